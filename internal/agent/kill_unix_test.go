//go:build unix

package agent

import (
	"errors"
	"os"
	"os/exec"
	"testing"

	"golang.org/x/sys/unix"

	"gpufleet/internal/model"
)

func TestSignalTerminator_RefusesInvalidAndSelf(t *testing.T) {
	t.Parallel()

	term := NewSignalTerminator()
	for _, pid := range []int{0, -1, os.Getpid()} {
		outcome, err := term.Terminate(pid)
		if outcome != model.KillOtherError || err == nil {
			t.Fatalf("pid=%d outcome=%s err=%v", pid, outcome, err)
		}
	}
}

func TestSignalTerminator_TerminatesChild(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("missing sleep")
	}
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	outcome, err := NewSignalTerminator().Terminate(cmd.Process.Pid)
	if outcome != model.KillSuccess || err != nil {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	if err := cmd.Wait(); err == nil {
		t.Fatalf("expected sleep to exit by signal")
	}
}

func TestClassifyKillError(t *testing.T) {
	t.Parallel()

	cases := map[error]model.KillOutcome{
		nil:                 model.KillSuccess,
		unix.ESRCH:          model.KillNotFound,
		unix.EPERM:          model.KillPermissionDenied,
		errors.New("weird"): model.KillOtherError,
	}
	for in, want := range cases {
		if got, _ := classifyKillError(in); got != want {
			t.Fatalf("classify(%v)=%s want %s", in, got, want)
		}
	}
}
