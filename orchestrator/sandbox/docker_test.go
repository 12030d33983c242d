//go:build !windows

package sandbox

import (
	"fmt"
	"os/exec"
	"testing"
)

func TestDockerProcessWait(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	waitFor := func(t *testing.T, exit int) (int, error) {
		t.Helper()
		cmd := exec.Command("sh", "-c", fmt.Sprintf("exit %d", exit))
		if err := cmd.Start(); err != nil {
			t.Fatal(err)
		}
		p := &dockerProcess{cmd: cmd, name: "test", graceSecs: 1}
		return p.Wait()
	}

	t.Run("WorkloadExitPassesThrough", func(t *testing.T) {
		for _, exit := range []int{0, 3, 42} {
			code, err := waitFor(t, exit)
			if err != nil {
				t.Errorf("exit %d: unexpected error %v", exit, err)
			}
			if code != exit {
				t.Errorf("exit %d: got code %d", exit, code)
			}
		}
	})

	// 125-127 belong to docker itself, so they surface as errors rather
	// than workload exit codes.
	t.Run("ReservedStatusesAreErrors", func(t *testing.T) {
		for _, exit := range []int{125, 126, 127} {
			code, err := waitFor(t, exit)
			if err == nil {
				t.Errorf("status %d should be reported as an error", exit)
			}
			if code != exit {
				t.Errorf("status %d: got code %d", exit, code)
			}
		}
	})
}
