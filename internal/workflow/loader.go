package workflow

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// definitionDecl is the YAML authoring shape for a workflow definition.
// Steps reference each other by name; the loader resolves names to step
// ids before publishing.
type definitionDecl struct {
	Name              string     `yaml:"name"`
	Description       string     `yaml:"description"`
	WorkflowType      string     `yaml:"workflow_type"`
	TriggerType       string     `yaml:"trigger_type"`
	TriggerConditions *Condition `yaml:"trigger_conditions"`
	Steps             []stepDecl `yaml:"steps"`
}

type stepDecl struct {
	Name              string     `yaml:"name"`
	Order             int        `yaml:"order"`
	Type              string     `yaml:"type"`
	AssignmentType    string     `yaml:"assignment_type"`
	AssignedTo        []string   `yaml:"assigned_to"`
	Config            StepConfig `yaml:"config"`
	Conditions        *Condition `yaml:"conditions"`
	RequiredApprovals int        `yaml:"required_approvals"`
	TimeoutMinutes    int        `yaml:"timeout_minutes"`
	TimeoutAction     string     `yaml:"timeout_action"`
	NextOnSuccess     string     `yaml:"next_on_success"`
	NextOnFailure     string     `yaml:"next_on_failure"`
	AllowSkip         bool       `yaml:"allow_skip"`
	Required          bool       `yaml:"required"`
}

// LoadDefinitionFromFile parses a YAML definition file into an
// unpublished WorkflowDefinition. Name-based next pointers are resolved
// to the generated step ids.
func LoadDefinitionFromFile(path string) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ParseDefinition(data)
}

// ParseDefinition decodes a YAML definition document.
func ParseDefinition(data []byte) (*WorkflowDefinition, error) {
	var decl definitionDecl
	if err := yaml.Unmarshal(data, &decl); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if decl.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}

	def := &WorkflowDefinition{
		Name:              decl.Name,
		Description:       decl.Description,
		WorkflowType:      decl.WorkflowType,
		TriggerType:       decl.TriggerType,
		TriggerConditions: decl.TriggerConditions,
		Steps:             make([]WorkflowStep, 0, len(decl.Steps)),
	}

	// Two passes: assign ids keyed by step name, then resolve the
	// name-based next pointers.
	idByName := make(map[string]string, len(decl.Steps))
	for i, sd := range decl.Steps {
		if sd.Name == "" {
			return nil, fmt.Errorf("%w: step %d has no name", ErrInvalidDefinition, i)
		}
		if _, dup := idByName[sd.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate step name %q", ErrInvalidDefinition, sd.Name)
		}
		idByName[sd.Name] = stepIDFromName(decl.Name, sd.Name)
	}

	for _, sd := range decl.Steps {
		step := WorkflowStep{
			ID:                idByName[sd.Name],
			Name:              sd.Name,
			Order:             sd.Order,
			StepType:          StepType(sd.Type),
			AssignmentType:    AssignmentType(sd.AssignmentType),
			AssignedTo:        sd.AssignedTo,
			Config:            sd.Config,
			Conditions:        sd.Conditions,
			RequiredApprovals: sd.RequiredApprovals,
			TimeoutMinutes:    sd.TimeoutMinutes,
			TimeoutAction:     TimeoutAction(sd.TimeoutAction),
			AllowSkip:         sd.AllowSkip,
			Required:          sd.Required,
		}
		var err error
		if step.NextOnSuccess, err = resolveNext(idByName, sd.Name, sd.NextOnSuccess); err != nil {
			return nil, err
		}
		if step.NextOnFailure, err = resolveNext(idByName, sd.Name, sd.NextOnFailure); err != nil {
			return nil, err
		}
		def.Steps = append(def.Steps, step)
	}

	sort.Slice(def.Steps, func(i, j int) bool { return def.Steps[i].Order < def.Steps[j].Order })
	return def, nil
}

func resolveNext(idByName map[string]string, from, target string) (string, error) {
	if target == "" {
		return "", nil
	}
	id, ok := idByName[target]
	if !ok {
		return "", fmt.Errorf("%w: step %q references unknown step %q", ErrInvalidDefinition, from, target)
	}
	return id, nil
}

// stepIDFromName derives a stable step id from the definition and step
// names so republishing the same file keeps ids recognizable in logs.
func stepIDFromName(defName, stepName string) string {
	slug := strings.ToLower(strings.ReplaceAll(defName+"-"+stepName, " ", "-"))
	return "wfs-" + slug
}

// InstallDefinitions loads every .yaml/.yml file in dir and publishes each
// as a new active version. Files that fail to parse or validate are
// skipped with a log line; one bad file never blocks the rest.
func InstallDefinitions(ctx context.Context, ds *DefinitionStore, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read definitions dir %s: %w", dir, err)
	}

	installed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := LoadDefinitionFromFile(path)
		if err != nil {
			log.Printf("[Loader] Skipping %s: %v", entry.Name(), err)
			continue
		}
		pub, err := ds.Publish(ctx, def)
		if err != nil {
			log.Printf("[Loader] Skipping %s: %v", entry.Name(), err)
			continue
		}
		log.Printf("[Loader] Published %s v%d (%s) from %s", pub.Name, pub.Version, pub.ID, entry.Name())
		installed++
	}
	return installed, nil
}
