package frpbox

import (
	"log/slog"
)

// NoticeLevel classifies a Notice.
type NoticeLevel int

const (
	// NoticeInfo reports normal progress such as a started worker. Info
	// notices are suppressed when the hide_service_toast preference is set.
	NoticeInfo NoticeLevel = iota

	// NoticeError reports a failure the user should see. Error notices are
	// always delivered.
	NoticeError
)

// String returns the string representation of a NoticeLevel.
func (l NoticeLevel) String() string {
	switch l {
	case NoticeInfo:
		return "info"
	case NoticeError:
		return "error"
	default:
		return unknownStr
	}
}

// Notice is a user-visible message about a task.
type Notice struct {
	Level   NoticeLevel
	Task    Task
	Message string
	Err     error
}

// Notifier presents notices to the user.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

// Notify calls f.
func (f NotifierFunc) Notify(n Notice) { f(n) }

// logNotifier writes notices to a logger.
type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) Notify(nt Notice) {
	args := []any{"task", nt.Task.String()}
	if nt.Err != nil {
		args = append(args, "error", nt.Err)
	}
	if nt.Level == NoticeError {
		n.logger.Error(nt.Message, args...)
		return
	}
	n.logger.Info(nt.Message, args...)
}

// notify delivers a notice unless it is informational and the user hid
// service notices.
func (s *Supervisor) notify(level NoticeLevel, task Task, msg string, err error) {
	if level == NoticeInfo && s.prefs.Bool(PrefHideServiceToast, false) {
		return
	}
	s.notifier.Notify(Notice{Level: level, Task: task, Message: msg, Err: err})
}
