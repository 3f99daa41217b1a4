package decoy

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// DefaultPIDFile is the well-known lock path a second instance checks
// before starting, matching the single-instance contract of the original
// dataplane binary.
const DefaultPIDFile = "/tmp/udp-bypass.pid"

// PIDFile enforces single-instance execution via a lock file holding the
// running process's PID, checked for liveness with signal 0.
type PIDFile struct {
	path string
}

// AcquirePIDFile checks path for a live PID, refusing to proceed if one is
// found, then writes the current process's PID.
func AcquirePIDFile(path string) (*PIDFile, error) {
	if existing, ok := readLivePID(path); ok {
		return nil, fmt.Errorf("decoy: another instance is running (pid %d)", existing)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("decoy: write pidfile %s: %w", path, err)
	}

	return &PIDFile{path: path}, nil
}

func readLivePID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if err := unix.Kill(pid, 0); err != nil {
		return 0, false
	}
	return pid, true
}

// Release removes the pidfile. Safe to call once at shutdown.
func (p *PIDFile) Release() {
	if p == nil {
		return
	}
	os.Remove(p.path) //nolint:errcheck
}
