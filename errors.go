package frpbox

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the frpbox package.
var (
	// ErrConfigNotFound indicates the task's configuration file does not exist.
	ErrConfigNotFound = errors.New("frpbox: config file not found")

	// ErrBinaryNotFound indicates the worker binary for a task kind is missing.
	ErrBinaryNotFound = errors.New("frpbox: worker binary not found")

	// ErrSpawnFailed indicates the worker process could not be started.
	ErrSpawnFailed = errors.New("frpbox: worker failed to start")

	// ErrSupervisorClosed indicates the supervisor has already been closed.
	ErrSupervisorClosed = errors.New("frpbox: supervisor already closed")

	// ErrConfigInvalid indicates the provided configuration failed validation.
	ErrConfigInvalid = errors.New("frpbox: invalid configuration")

	// ErrUnknownTask indicates a task identity could not be parsed or has an
	// unknown kind.
	ErrUnknownTask = errors.New("frpbox: unknown task")
)

// ConfigNotFoundError is returned when a task is started without a config file.
// It wraps ErrConfigNotFound so that errors.Is(err, ErrConfigNotFound) still works.
type ConfigNotFoundError struct {
	// Task is the task that was started.
	Task Task
	// Path is the config file that was looked up.
	Path string
}

func (e *ConfigNotFoundError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", ErrConfigNotFound.Error(), e.Task, e.Path)
}

func (e *ConfigNotFoundError) Unwrap() error {
	return ErrConfigNotFound
}

// SpawnError is returned when a worker process cannot be started.
// It matches both ErrSpawnFailed and the underlying cause with errors.Is.
type SpawnError struct {
	// Task is the task whose worker failed.
	Task Task
	// Err is the error from the operating system.
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrSpawnFailed.Error(), e.Task, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawnFailed, e.Err}
}
