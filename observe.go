package frpbox

import (
	"context"
	"slices"
	"strings"
)

// Snapshot is the observable state of a Supervisor.
type Snapshot struct {
	// Running lists the tasks with a live worker.
	Running []Task `json:"running"`
	// Pending lists linked tasks suspended until their proxy is reachable.
	Pending []Task `json:"pending"`
	// Desired lists linked tasks the user asked to run.
	Desired []Task `json:"desired"`
	// Logs maps every task with output to its current log text.
	Logs map[Task]string `json:"logs"`
}

// Watch returns a channel that receives a Snapshot immediately and after
// every change of the process table, the linked-task sets or a log. Slow
// readers only see the latest snapshot. The channel is closed when ctx is
// done or the supervisor is closed.
func (s *Supervisor) Watch(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	snap := s.Snapshot()

	s.watchMu.Lock()
	if s.watchClosed {
		s.watchMu.Unlock()
		close(ch)
		return ch
	}
	s.watchers[ch] = struct{}{}
	offer(ch, snap)
	s.watchMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
		}
		s.watchMu.Lock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
		s.watchMu.Unlock()
	}()
	return ch
}

// Snapshot returns the current observable state.
func (s *Supervisor) Snapshot() Snapshot {
	logs := make(map[Task]string)
	for k, lines := range s.logs.Snapshot() {
		logs[k] = strings.Join(lines, "\n")
	}
	return Snapshot{
		Running: s.Running(),
		Pending: s.Pending(),
		Desired: s.Desired(),
		Logs:    logs,
	}
}

// publish sends the current snapshot to every watcher.
func (s *Supervisor) publish() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if len(s.watchers) == 0 {
		return
	}
	snap := s.Snapshot()
	for ch := range s.watchers {
		offer(ch, snap)
	}
}

// closeWatchers closes every watcher channel.
func (s *Supervisor) closeWatchers() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.watchClosed = true
	for ch := range s.watchers {
		delete(s.watchers, ch)
		close(ch)
	}
}

// offer replaces any unread snapshot in ch with snap.
func offer(ch chan Snapshot, snap Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func sortTasks(tasks []Task) []Task {
	slices.SortFunc(tasks, func(a, b Task) int {
		return strings.Compare(a.key(), b.key())
	})
	return tasks
}
