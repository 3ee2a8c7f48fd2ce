package frpbox

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// IntentAction is an external request to the supervisor.
type IntentAction string

const (
	// IntentBoot starts the auto-start tasks when auto_start is set.
	IntentBoot IntentAction = "boot"
	// IntentStart starts the auto-start tasks when auto_start_broadcast is
	// set. With auto_start_broadcast_extra, Kind and Name narrow the set.
	IntentStart IntentAction = "start"
	// IntentStop stops the auto-start tasks when auto_stop_broadcast is set.
	// With auto_start_broadcast_extra, Kind and Name select one task.
	IntentStop IntentAction = "stop"
	// IntentStopAll stops everything.
	IntentStopAll IntentAction = "stop_all"
)

// Intent is an external start or stop request, as sent by schedules, the
// control socket or the init system.
type Intent struct {
	Action IntentAction `json:"action" yaml:"action"`
	Kind   TaskKind     `json:"kind,omitempty" yaml:"kind,omitempty"`
	Name   string       `json:"name,omitempty" yaml:"name,omitempty"`
}

// target returns the explicit task of the intent, if both parts are set.
func (in Intent) target() (Task, bool) {
	if in.Name == "" {
		return Task{}, false
	}
	kind, err := ParseKind(string(in.Kind))
	if err != nil {
		return Task{}, false
	}
	return Task{Kind: kind, Name: in.Name}, true
}

// HandleIntent applies in according to the user's preferences and returns
// the tasks it acted on. An intent disabled by preferences is ignored and
// returns no tasks.
func (s *Supervisor) HandleIntent(ctx context.Context, in Intent) ([]Task, error) {
	extra := s.prefs.Bool(PrefAutoStartBroadcastExtra, false)

	switch in.Action {
	case IntentBoot:
		if !s.prefs.Bool(PrefAutoStart, false) {
			return s.ignore(in)
		}
		return s.startAll(ctx, AutoStartTasks(s.prefs, s.config.ConfigDir, Task{}))

	case IntentStart:
		if !s.prefs.Bool(PrefAutoStartBroadcast, false) {
			return s.ignore(in)
		}
		var filter Task
		if t, ok := in.target(); ok && extra {
			filter = t
		}
		return s.startAll(ctx, AutoStartTasks(s.prefs, s.config.ConfigDir, filter))

	case IntentStop:
		if !s.prefs.Bool(PrefAutoStopBroadcast, false) {
			return s.ignore(in)
		}
		tasks := AutoStartTasks(s.prefs, s.config.ConfigDir, Task{})
		if t, ok := in.target(); ok && extra {
			tasks = []Task{t}
		}
		var errs []error
		for _, t := range tasks {
			if err := s.Stop(ctx, t); err != nil {
				errs = append(errs, fmt.Errorf("stop %s: %w", t, err))
			}
		}
		return tasks, errors.Join(errs...)

	case IntentStopAll:
		running := s.Running()
		return running, s.StopAll(ctx)

	default:
		return nil, fmt.Errorf("frpbox: unknown intent action %q", in.Action)
	}
}

func (s *Supervisor) ignore(in Intent) ([]Task, error) {
	s.log.Debug("intent disabled by preferences", "action", string(in.Action))
	return nil, nil
}

// startAll starts tasks concurrently, so that linked tasks wait for their
// proxies in parallel.
func (s *Supervisor) startAll(ctx context.Context, tasks []Task) ([]Task, error) {
	errs := make([]error, len(tasks))
	var g errgroup.Group
	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			if _, err := s.Start(ctx, t); err != nil {
				errs[i] = fmt.Errorf("start %s: %w", t, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return tasks, errors.Join(errs...)
}
