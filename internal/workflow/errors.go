package workflow

import "errors"

var (
	// ErrDefinitionNotFound is returned when a definition id or type cannot be resolved.
	ErrDefinitionNotFound = errors.New("workflow definition not found")

	// ErrDefinitionNotActive is returned by Start when the resolved
	// definition version is not in the active status.
	ErrDefinitionNotActive = errors.New("workflow definition not active")

	// ErrInvalidDefinition is returned by Publish when structural
	// validation fails (duplicate orders, dangling pointers, cycles,
	// unreachable steps, invalid config documents).
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// ErrTriggerNotMet is returned by Start when the definition's trigger
	// conditions evaluate false against the initial variables.
	ErrTriggerNotMet = errors.New("trigger conditions not met")

	// ErrExecutionNotFound is returned when an execution id cannot be resolved.
	ErrExecutionNotFound = errors.New("workflow execution not found")

	// ErrExecutionTerminal is returned by Cancel when the execution has
	// already reached a terminal status.
	ErrExecutionTerminal = errors.New("workflow execution already terminal")

	// ErrTaskNotFound is returned when a task id cannot be resolved.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTaskState is returned when completing a task that is not
	// open, or whose parent execution is already terminal. This is a
	// caller bug and is never silently dropped.
	ErrInvalidTaskState = errors.New("invalid task state")
)
