package frpbox

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	now := time.Date(2024, 5, 6, 7, 30, 0, 0, time.UTC) // Monday
	tests := []struct {
		spec    string
		next    time.Time
		wantErr bool
	}{
		{spec: "0 8 * * 1-5", next: time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)},
		{spec: "@hourly", next: time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)},
		{spec: "30m", next: now.Add(30 * time.Minute)},
		{spec: "", wantErr: true},
		{spec: "every day", wantErr: true},
		{spec: "-5m", wantErr: true},
		{spec: "0 8 * *", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			sched, err := parseSchedule(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseSchedule(%q) error: %v", tt.spec, err)
			}
			if got := sched.Next(now); !got.Equal(tt.next) {
				t.Errorf("Next() = %v, want %v", got, tt.next)
			}
		})
	}
}

func TestNewScheduler_InvalidRule(t *testing.T) {
	h := newHarness(t, nil)
	_, err := NewScheduler(h.sup, []ScheduleRule{{Spec: "bogus", Action: ScheduleStart}}, nil)
	if !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("got %v, want ErrConfigInvalid", err)
	}
	_, err = NewScheduler(h.sup, []ScheduleRule{{Spec: "@daily", Action: ScheduleStart, Task: "x"}}, nil)
	if !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("got %v, want ErrConfigInvalid", err)
	}
}

func TestScheduler_Run(t *testing.T) {
	h := newHarness(t, nil)
	a := h.writeTask(KindClient, "a.toml", "")
	b := h.writeTask(KindServer, "b.toml", "")
	h.prefs[PrefAutoStartServerList] = []string{"b.toml"}

	s, err := NewScheduler(h.sup, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// An explicit task ignores the broadcast preferences.
	if err := s.run(ctx, ScheduleStart, a); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !h.sup.IsRunning(a) {
		t.Error("a should run")
	}
	// No task means the auto-start set.
	if err := s.run(ctx, ScheduleStart, Task{}); err != nil {
		t.Fatalf("start auto: %v", err)
	}
	if !h.sup.IsRunning(b) {
		t.Error("b should run")
	}
	if err := s.run(ctx, ScheduleStop, a); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if h.sup.IsRunning(a) {
		t.Error("a should be stopped")
	}
	if err := s.run(ctx, ScheduleStopAll, Task{}); err != nil {
		t.Fatalf("stop_all: %v", err)
	}
	if len(h.sup.Running()) != 0 {
		t.Errorf("running: %v", h.sup.Running())
	}
	if err := s.run(ctx, "restart", a); err == nil {
		t.Error("unknown action should fail")
	}
}

func TestScheduler_Fires(t *testing.T) {
	h := newHarness(t, nil)
	task := h.writeTask(KindClient, "a.toml", "")

	s, err := NewScheduler(h.sup, []ScheduleRule{
		{Spec: "1s", Action: ScheduleStart, Task: "frpc/a.toml"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	s.Start(context.Background()) // no-op
	defer s.Stop()

	waitFor(t, "scheduled start", func() bool { return h.sup.IsRunning(task) })

	s.Stop()
	s.Stop() // no-op
}
