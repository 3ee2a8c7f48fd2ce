package frpbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// scheduleJobTimeout bounds one scheduled action.
const scheduleJobTimeout = time.Minute

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// parseSchedule parses a cron expression or descriptor, falling back to a
// positive duration for fixed-interval rules.
func parseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, errors.New("empty schedule")
	}
	if sched, err := scheduleParser.Parse(spec); err == nil {
		return sched, nil
	}
	d, err := time.ParseDuration(spec)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", spec)
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", spec)
	}
	return cron.Every(d), nil
}

// Scheduler fires the schedule rules of a configuration against a
// Supervisor.
type Scheduler struct {
	sup    *Supervisor
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewScheduler registers every rule. Rules were checked by Config.Validate,
// so errors here mean the rules were not validated.
func NewScheduler(sup *Supervisor, rules []ScheduleRule, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = sup.log
	}
	s := &Scheduler{
		sup:    sup,
		cron:   cron.New(cron.WithParser(scheduleParser)),
		logger: logger,
	}
	for i, r := range rules {
		r := r
		sched, err := parseSchedule(r.Spec)
		if err != nil {
			return nil, fmt.Errorf("%w: schedule %d: %v", ErrConfigInvalid, i, err)
		}
		var task Task
		if r.Task != "" {
			if task, err = ParseTask(r.Task); err != nil {
				return nil, fmt.Errorf("%w: schedule %d: %v", ErrConfigInvalid, i, err)
			}
		}
		s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(r, task) }))
		logger.Info("schedule added", "spec", r.Spec, "action", string(r.Action), "task", r.Task)
	}
	return s, nil
}

// Start begins firing rules. Jobs run with contexts derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

func (s *Scheduler) fire(r ScheduleRule, task Task) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, scheduleJobTimeout)
	defer cancel()

	start := time.Now()
	err := s.run(ctx, r.Action, task)
	if err != nil {
		s.logger.Warn("scheduled action failed", "action", string(r.Action), "task", r.Task,
			"error", err, "duration", time.Since(start))
		return
	}
	s.logger.Info("scheduled action done", "action", string(r.Action), "task", r.Task,
		"duration", time.Since(start))
}

// run applies action to task, or to the auto-start tasks when task is zero.
// The broadcast preferences do not apply.
func (s *Scheduler) run(ctx context.Context, action ScheduleAction, task Task) error {
	tasks := []Task{task}
	if task == (Task{}) {
		tasks = AutoStartTasks(s.sup.prefs, s.sup.config.ConfigDir, Task{})
	}
	switch action {
	case ScheduleStart:
		_, err := s.sup.startAll(ctx, tasks)
		return err
	case ScheduleStop:
		var errs []error
		for _, t := range tasks {
			if err := s.sup.Stop(ctx, t); err != nil {
				errs = append(errs, fmt.Errorf("stop %s: %w", t, err))
			}
		}
		return errors.Join(errs...)
	case ScheduleStopAll:
		return s.sup.StopAll(ctx)
	default:
		return fmt.Errorf("frpbox: unknown schedule action %q", action)
	}
}
