package workflow

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Directory is the external identity/role service the resolver expands
// role and group assignments through.
type Directory interface {
	// ResolveMembers returns the current user ids behind a role or group id.
	ResolveMembers(ctx context.Context, roleOrGroupID string) ([]string, error)
	// Supervisor returns the user a given user escalates to, or "" if none.
	Supervisor(ctx context.Context, userID string) (string, error)
}

// Sequencer hands out monotonically increasing ticket numbers per key; it
// backs the round_robin assignment rule. The production implementation is
// Redis INCR so rotation is shared across instances.
type Sequencer interface {
	Next(ctx context.Context, key string) (int64, error)
}

// LocalSequencer is an in-process Sequencer for single-instance
// deployments and tests.
type LocalSequencer struct {
	mu       sync.Mutex
	counters map[string]int64
}

func NewLocalSequencer() *LocalSequencer {
	return &LocalSequencer{counters: make(map[string]int64)}
}

func (s *LocalSequencer) Next(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key]++
	return s.counters[key], nil
}

// Resolver turns a step's assignment rule into a concrete set of user ids.
// Resolution is read-only; an empty result is legal and interpreted by the
// engine per the step's allow_skip flag.
type Resolver struct {
	directory Directory
	seq       Sequencer
	store     Store

	maxAttempts int
	backoff     time.Duration
	sleep       func(context.Context, time.Duration) error
}

// NewResolver creates a resolver. Directory lookups are retried with
// exponential backoff before the failure is surfaced to the engine.
func NewResolver(directory Directory, seq Sequencer, store Store) *Resolver {
	return &Resolver{
		directory:   directory,
		seq:         seq,
		store:       store,
		maxAttempts: 3,
		backoff:     250 * time.Millisecond,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Resolve returns the assignees for a step. With escalated set, it targets
// the configured escalation role, or the supervisors of the normally
// resolved assignees when no escalation role is configured.
func (r *Resolver) Resolve(ctx context.Context, step *WorkflowStep, exec *WorkflowExecution, escalated bool) ([]string, error) {
	if escalated {
		return r.resolveEscalation(ctx, step, exec)
	}

	switch step.AssignmentType {
	case AssignUser:
		return dedupe(step.AssignedTo), nil

	case AssignRole, AssignGroup:
		var members []string
		for _, id := range step.AssignedTo {
			got, err := r.resolveMembers(ctx, id)
			if err != nil {
				return nil, err
			}
			members = append(members, got...)
		}
		return dedupe(members), nil

	case AssignAuto:
		return r.resolveAuto(ctx, step, exec)

	default:
		// notification/condition/automation steps have no assignees
		return nil, nil
	}
}

func (r *Resolver) resolveEscalation(ctx context.Context, step *WorkflowStep, exec *WorkflowExecution) ([]string, error) {
	if step.Config.EscalationRole != "" {
		members, err := r.resolveMembers(ctx, step.Config.EscalationRole)
		if err != nil {
			return nil, err
		}
		return dedupe(members), nil
	}

	base, err := r.Resolve(ctx, step, exec, false)
	if err != nil {
		return nil, err
	}
	var supers []string
	for _, userID := range base {
		sup, err := r.directory.Supervisor(ctx, userID)
		if err != nil {
			log.Printf("[Resolver] supervisor lookup failed for %s: %v", userID, err)
			continue
		}
		if sup != "" {
			supers = append(supers, sup)
		}
	}
	return dedupe(supers), nil
}

func (r *Resolver) resolveAuto(ctx context.Context, step *WorkflowStep, exec *WorkflowExecution) ([]string, error) {
	pool := dedupe(step.Config.Candidates)
	if len(pool) == 0 {
		return nil, nil
	}

	switch step.Config.Rule {
	case RuleRoundRobin:
		n, err := r.seq.Next(ctx, "assign:"+step.DefinitionID+":"+step.ID)
		if err != nil {
			return nil, fmt.Errorf("round-robin sequencer: %w", err)
		}
		return []string{pool[int((n-1)%int64(len(pool)))]}, nil

	case RuleLeastLoaded:
		sort.Strings(pool) // deterministic tie-break
		best := ""
		bestLoad := -1
		for _, candidate := range pool {
			load, err := r.store.CountOpenTasksByAssignee(ctx, candidate)
			if err != nil {
				return nil, fmt.Errorf("load lookup for %s: %w", candidate, err)
			}
			if bestLoad < 0 || load < bestLoad {
				best, bestLoad = candidate, load
			}
		}
		return []string{best}, nil

	default:
		return nil, fmt.Errorf("unknown assignment rule %q", step.Config.Rule)
	}
}

// resolveMembers retries the directory with backoff; lookup failures are
// recoverable per the error taxonomy.
func (r *Resolver) resolveMembers(ctx context.Context, roleOrGroupID string) ([]string, error) {
	var lastErr error
	delay := r.backoff
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		members, err := r.directory.ResolveMembers(ctx, roleOrGroupID)
		if err == nil {
			return members, nil
		}
		lastErr = err
		if attempt < r.maxAttempts {
			log.Printf("[Resolver] directory lookup %s failed (attempt %d/%d): %v", roleOrGroupID, attempt, r.maxAttempts, err)
			if serr := r.sleep(ctx, delay); serr != nil {
				return nil, serr
			}
			delay *= 2
		}
	}
	return nil, fmt.Errorf("directory lookup %s: %w", roleOrGroupID, lastErr)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
