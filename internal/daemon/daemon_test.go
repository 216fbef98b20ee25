package daemon

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a write target safe to read while Follow appends.
type syncBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.pid")
	require.NoError(t, WritePIDFile(path))

	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	running, err := RunningPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), running)

	require.NoError(t, RemovePIDFile(path))
	_, err = RunningPID(path)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestRunningPIDRemovesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.pid")

	// Way past any plausible pid_max.
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0o644))
	_, err := RunningPID(path)
	assert.ErrorIs(t, err, ErrNotRunning)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "stale pid file should be removed")
}

func TestReadPIDFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.pid")
	require.NoError(t, os.WriteFile(path, []byte("not a pid\n"), 0o644))
	_, err := ReadPIDFile(path)
	assert.Error(t, err)
}

func TestAlive(t *testing.T) {
	assert.True(t, Alive(os.Getpid()))
	assert.False(t, Alive(0))
	assert.False(t, Alive(-1))
}

func TestTerminate(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	require.NoError(t, Terminate(pid, 2*time.Second))
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestLastLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.log")
	content := "one\ntwo\nthree\nfour\nfive\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	lines, err := LastLines(path, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "four", "five"}, lines)

	lines, err = LastLines(path, 10)
	require.NoError(t, err)
	assert.Len(t, lines, 5)
}

func TestFollowStreamsAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.log")
	require.NoError(t, os.WriteFile(path, []byte("existing\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- Follow(ctx, path, 5, &out) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "existing")
	}, 2*time.Second, 25*time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("appended line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "appended line")
	}, 3*time.Second, 25*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("follow did not stop")
	}
}
