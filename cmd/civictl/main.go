package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/civiflow/civiflow/internal/config"
	"github.com/civiflow/civiflow/internal/database"
	"github.com/civiflow/civiflow/internal/directory"
	"github.com/civiflow/civiflow/internal/notify"
	"github.com/civiflow/civiflow/internal/workflow"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "civictl",
		Short:        "Operate civiflow workflows from the command line",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(publishCmd())
	root.AddCommand(startCmd())
	root.AddCommand(completeTaskCmd())
	root.AddCommand(cancelCmd())
	root.AddCommand(showCmd())
	root.AddCommand(archiveCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// stack wires the same engine the daemon runs, against the same database,
// with log-only notifications. Good enough for operator interventions.
type stack struct {
	db     *database.Database
	defs   *workflow.DefinitionStore
	engine *workflow.Engine
	tasks  *workflow.TaskManager
}

func newStack() (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	db, err := database.New(cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}

	dir := directory.NewStatic(cfg.Directory.Roles, cfg.Directory.Supervisors)
	notifier := notify.LogNotifier{}
	defs := workflow.NewDefinitionStore(db)
	resolver := workflow.NewResolver(dir, workflow.NewLocalSequencer(), db)
	tasks := workflow.NewTaskManager(db, notifier)
	engine := workflow.NewEngine(db, defs, resolver, tasks, notifier, nil)

	return &stack{db: db, defs: defs, engine: engine, tasks: tasks}, nil
}

func (s *stack) close() {
	if err := s.db.Close(); err != nil {
		log.Printf("Failed to close database: %v", err)
	}
}

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <definition.yaml>",
		Short: "Validate and publish a workflow definition as a new active version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newStack()
			if err != nil {
				return err
			}
			defer s.close()

			def, err := workflow.LoadDefinitionFromFile(args[0])
			if err != nil {
				return err
			}
			pub, err := s.defs.Publish(cmd.Context(), def)
			if err != nil {
				return err
			}
			fmt.Printf("Published %s v%d (%s)\n", pub.Name, pub.Version, pub.ID)
			return nil
		},
	}
}

func startCmd() *cobra.Command {
	var entityID, initiator string
	var vars []string

	cmd := &cobra.Command{
		Use:   "start <workflow-type>",
		Short: "Start an execution of the active definition for a workflow type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newStack()
			if err != nil {
				return err
			}
			defer s.close()

			variables := make(map[string]any, len(vars))
			for _, kv := range vars {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --var %q, expected key=value", kv)
				}
				variables[k] = v
			}

			id, err := s.engine.Start(cmd.Context(), args[0], entityID, initiator, variables)
			if err != nil {
				return err
			}
			fmt.Printf("Started execution %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&entityID, "entity", "", "related entity id (e.g. a permit id)")
	cmd.Flags().StringVar(&initiator, "initiator", "civictl", "initiator user id")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "execution variable key=value (repeatable)")
	return cmd
}

func completeTaskCmd() *cobra.Command {
	var outcome, actor, form string

	cmd := &cobra.Command{
		Use:   "complete-task <task-id>",
		Short: "Record a task outcome on behalf of an assignee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newStack()
			if err != nil {
				return err
			}
			defer s.close()

			var formData map[string]any
			if form != "" {
				if err := json.Unmarshal([]byte(form), &formData); err != nil {
					return fmt.Errorf("invalid --form JSON: %w", err)
				}
			}

			if err := s.tasks.Complete(cmd.Context(), args[0], outcome, actor, formData); err != nil {
				return err
			}
			fmt.Printf("Task %s completed with outcome %s\n", args[0], outcome)
			return nil
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", workflow.OutcomeApproved, "task outcome")
	cmd.Flags().StringVar(&actor, "actor", "civictl", "acting user id")
	cmd.Flags().StringVar(&form, "form", "", "form data as a JSON object")
	return cmd
}

func cancelCmd() *cobra.Command {
	var actor, reason string

	cmd := &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newStack()
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.engine.Cancel(cmd.Context(), args[0], actor, reason); err != nil {
				return err
			}
			fmt.Printf("Execution %s cancelled\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "civictl", "acting user id")
	cmd.Flags().StringVar(&reason, "reason", "cancelled by operator", "cancellation reason")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Print an execution with its step history and errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newStack()
			if err != nil {
				return err
			}
			defer s.close()

			exec, err := s.db.GetExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(exec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <definition-id>",
		Short: "Archive a definition version so it can no longer start executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newStack()
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.defs.Archive(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Definition %s archived\n", args[0])
			return nil
		},
	}
}
