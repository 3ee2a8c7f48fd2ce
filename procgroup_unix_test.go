//go:build darwin || linux

package frpbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"
)

func TestSetupProcessGroup(t *testing.T) {
	t.Run("nil SysProcAttr", func(t *testing.T) {
		cmd := exec.Command("echo", "hello")
		setupProcessGroup(cmd)

		if cmd.SysProcAttr == nil {
			t.Fatal("expected SysProcAttr to be set, got nil")
		}
		if !cmd.SysProcAttr.Setsid {
			t.Error("expected Setsid to be true")
		}
		if cmd.Cancel == nil {
			t.Error("expected Cancel to be set")
		}
		if cmd.WaitDelay == 0 {
			t.Error("expected WaitDelay to be set")
		}
	})

	t.Run("existing SysProcAttr preserved", func(t *testing.T) {
		cmd := exec.Command("echo", "hello")
		cmd.SysProcAttr = &syscall.SysProcAttr{Noctty: true}
		setupProcessGroup(cmd)

		if !cmd.SysProcAttr.Setsid {
			t.Error("expected Setsid to be true")
		}
		if !cmd.SysProcAttr.Noctty {
			t.Error("expected Noctty to remain true after setupProcessGroup")
		}
	})

	t.Run("Cancel before Start", func(t *testing.T) {
		cmd := exec.Command("echo", "hello")
		setupProcessGroup(cmd)

		if err := cmd.Cancel(); !errors.Is(err, os.ErrProcessDone) {
			t.Errorf("expected os.ErrProcessDone, got %v", err)
		}
	})

	t.Run("Cancel after exit", func(t *testing.T) {
		cmd := exec.CommandContext(context.Background(), "true")
		setupProcessGroup(cmd)
		if err := cmd.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		_ = cmd.Wait()

		if err := cmd.Cancel(); !errors.Is(err, os.ErrProcessDone) {
			t.Errorf("expected os.ErrProcessDone, got %v", err)
		}
	})
}

func TestKillProcessGroup_DangerousPIDs(t *testing.T) {
	for _, pid := range []int{-1, 0, 1} {
		if err := killProcessGroup(pid); !errors.Is(err, os.ErrProcessDone) {
			t.Errorf("pid=%d: expected os.ErrProcessDone, got %v", pid, err)
		}
	}
}

func TestKillProcessGroup_KillsGrandchildren(t *testing.T) {
	// The shell forks a sleeping grandchild that inherits stdout; killing
	// only the shell would leave the pipe open.
	cmd := exec.CommandContext(context.Background(), "sh", "-c", "sleep 30 & sleep 30")
	setupProcessGroup(cmd)
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	cmd.Stdout = w
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w.Close()

	if err := killProcessGroup(cmd.Process.Pid); err != nil {
		t.Fatalf("killProcessGroup: %v", err)
	}
	_ = cmd.Wait()

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		_, _ = r.Read(buf)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipe still held open by a surviving grandchild")
	}
}
