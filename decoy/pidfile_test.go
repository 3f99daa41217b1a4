package decoy

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquirePIDFile_WritesOwnPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "udp-bypass.pid")

	pf, err := AcquirePIDFile(path)
	require.NoError(t, err)
	defer pf.Release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(data[:len(data)-1]))
}

func TestAcquirePIDFile_RefusesWhenHolderIsAlive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "udp-bypass.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))

	_, err := AcquirePIDFile(path)
	require.Error(t, err)
}

func TestAcquirePIDFile_StealsStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "udp-bypass.pid")
	// PID 1 is init and, in any container this test runs in, not this
	// process — but a very large unlikely-to-exist PID is safer than
	// assuming anything about PID 1's signal semantics in a sandbox.
	require.NoError(t, os.WriteFile(path, []byte("999999\n"), 0o644))

	pf, err := AcquirePIDFile(path)
	require.NoError(t, err)
	defer pf.Release()
}

func TestPIDFile_ReleaseRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "udp-bypass.pid")
	pf, err := AcquirePIDFile(path)
	require.NoError(t, err)

	pf.Release()
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
