package frpbox

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newRunID returns a sortable unique id for one worker run.
func newRunID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// readerWaitTimeout bounds how long a finished worker waits for its output
// reader to drain the pipe.
const readerWaitTimeout = 2 * time.Second

// worker is one running child process and its output reader.
type worker struct {
	task   Task
	id     string
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
	err    error // valid after done is closed
}

// spawnSpec describes a worker to launch.
type spawnSpec struct {
	task   Task
	binary string
	dir    string
	env    []string
	output func(line string)
	logger *slog.Logger
}

// spawn starts the worker described by sp. Stdout and stderr share one pipe
// whose lines are passed to sp.output in arrival order.
func spawn(sp spawnSpec) (*worker, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, sp.binary, "-c", sp.task.Name)
	cmd.Dir = sp.dir
	if sp.env != nil {
		cmd.Env = sp.env
	}
	setupProcessGroup(cmd)

	r, w, err := os.Pipe()
	if err != nil {
		cancel()
		return nil, &SpawnError{Task: sp.task, Err: err}
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		cancel()
		_ = r.Close()
		_ = w.Close()
		return nil, &SpawnError{Task: sp.task, Err: err}
	}
	// The child holds its own copy of the write end.
	_ = w.Close()

	wk := &worker{
		task:   sp.task,
		id:     newRunID(),
		cmd:    cmd,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	sp.logger.Info("worker started", "task", sp.task.String(), "run", wk.id, "pid", cmd.Process.Pid)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		if err := readLines(r, sp.output); err != nil && !errors.Is(err, os.ErrClosed) {
			sp.logger.Debug("worker output read failed", "task", sp.task.String(), "run", wk.id, "error", err)
		}
	}()

	go func() {
		wk.err = cmd.Wait()
		select {
		case <-readerDone:
		case <-time.After(readerWaitTimeout):
			// A grandchild that escaped the group still holds the pipe.
			sp.logger.Warn("worker output still open after exit", "task", sp.task.String(), "run", wk.id)
		}
		_ = r.Close()
		<-readerDone
		sp.logger.Info("worker exited", "task", sp.task.String(), "run", wk.id, "error", wk.err)
		cancel()
		close(wk.done)
	}()
	return wk, nil
}

// kill SIGKILLs the worker's process group and waits until its output is
// drained or ctx ends.
func (w *worker) kill(ctx context.Context) error {
	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// maxLineBytes caps one captured output line. Longer lines keep their
// prefix and end with truncatedMarker; the rest is discarded.
const (
	maxLineBytes    = 64 * 1024
	truncatedMarker = " [truncated]"
)

// readLines passes every line read from r to fn, without the line ending,
// until EOF or a read error. Reading never stops on a long line, so the
// writer cannot block on a full pipe.
func readLines(r io.Reader, fn func(line string)) error {
	br := bufio.NewReaderSize(r, maxLineBytes)
	for {
		line, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			fn(string(line) + truncatedMarker)
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = br.ReadSlice('\n')
			}
		} else if len(line) > 0 {
			fn(strings.TrimRight(string(line), "\r\n"))
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// resolveBinary returns the executable path for bin. Bare names are looked up
// in PATH; anything else must exist.
func resolveBinary(bin string) (string, error) {
	if bin == "" {
		return "", ErrBinaryNotFound
	}
	if filepath.Base(bin) == bin {
		p, err := exec.LookPath(bin)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, bin)
		}
		return p, nil
	}
	st, err := os.Stat(bin)
	if err != nil || st.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, bin)
	}
	// Workers run in their config directory.
	return filepath.Abs(bin)
}

// isExitError reports whether err is a non-zero exit of a started process.
func isExitError(err error) bool {
	var ee *exec.ExitError
	return errors.As(err, &ee)
}
