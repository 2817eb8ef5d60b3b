package terminal

import (
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, h *Handle) string {
	t.Helper()
	data, err := io.ReadAll(h.Output())
	require.NoError(t, err)
	return string(data)
}

func TestSpawnCapturesStdout(t *testing.T) {
	h, err := spawn("/bin/sh", "echo hello", t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "hello\n", readAll(t, h))
	assert.Equal(t, ExitStatus{ExitCode: 0}, <-h.Exited())
	assert.Greater(t, h.PID(), 0)
}

func TestSpawnMergesStderrInOrder(t *testing.T) {
	h, err := spawn("/bin/sh", "echo out1; echo err1 >&2; echo out2", t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "out1\nerr1\nout2\n", readAll(t, h))
	<-h.Exited()
}

func TestSpawnRunsInCwd(t *testing.T) {
	dir := t.TempDir()
	h, err := spawn("/bin/sh", "pwd", dir)
	require.NoError(t, err)

	assert.Contains(t, readAll(t, h), dir)
	<-h.Exited()
}

func TestSpawnClosedStdin(t *testing.T) {
	// cat with no input must see EOF immediately instead of blocking.
	h, err := spawn("/bin/sh", "cat", t.TempDir())
	require.NoError(t, err)

	done := make(chan ExitStatus, 1)
	go func() { done <- <-h.Exited() }()
	select {
	case st := <-done:
		assert.Equal(t, 0, st.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("command blocked on stdin")
	}
}

func TestSpawnNonZeroExit(t *testing.T) {
	h, err := spawn("/bin/sh", "exit 7", t.TempDir())
	require.NoError(t, err)

	readAll(t, h)
	assert.Equal(t, ExitStatus{ExitCode: 7}, <-h.Exited())
}

func TestSpawnSignalExit(t *testing.T) {
	h, err := spawn("/bin/sh", "kill -KILL $$", t.TempDir())
	require.NoError(t, err)

	readAll(t, h)
	st := <-h.Exited()
	assert.Equal(t, 137, st.ExitCode)
	assert.Equal(t, "SIGKILL", st.SignalName)
}

func TestSpawnBadShell(t *testing.T) {
	_, err := spawn("/nonexistent/shell", "echo hi", t.TempDir())
	assert.Error(t, err)
}

func TestKillTerminatesGroup(t *testing.T) {
	// The sleep is a child of the shell; the group kill must reach it.
	h, err := spawn("/bin/sh", "sleep 30", t.TempDir())
	require.NoError(t, err)

	require.NoError(t, h.Kill())

	select {
	case st := <-h.Exited():
		assert.Equal(t, "SIGKILL", st.SignalName)
	case <-time.After(5 * time.Second):
		t.Fatal("process survived kill")
	}
}

func TestWaitStatus(t *testing.T) {
	assert.Equal(t, ExitStatus{ExitCode: 0}, waitStatus(nil))
	assert.Equal(t, ExitStatus{ExitCode: 1}, waitStatus(io.ErrUnexpectedEOF))
}

func TestSignalName(t *testing.T) {
	assert.Equal(t, "SIGTERM", signalName(syscall.SIGTERM))
	assert.Equal(t, "SIGKILL", signalName(syscall.SIGKILL))
	assert.Equal(t, "SIGINT", signalName(syscall.SIGINT))
}

func TestUTF8EnvironForcesLocale(t *testing.T) {
	env := utf8Environ([]string{"PATH=/bin", "LANG=C", "LC_ALL=POSIX", "HOME=/root"})

	assert.Contains(t, env, "PATH=/bin")
	assert.Contains(t, env, "HOME=/root")
	assert.Contains(t, env, "LANG=en_US.UTF-8")
	assert.Contains(t, env, "LC_ALL=en_US.UTF-8")
	for _, kv := range env {
		assert.NotEqual(t, "LANG=C", kv)
		assert.NotEqual(t, "LC_ALL=POSIX", kv)
	}
}

func TestChunkDecoderReassemblesSplitRune(t *testing.T) {
	raw := []byte("héllo wörld") // multi-byte runes
	for split := 0; split <= len(raw); split++ {
		var d chunkDecoder
		got := d.decode(raw[:split]) + d.decode(raw[split:]) + d.flush()
		assert.Equal(t, string(raw), got, "split at %d", split)
	}
}

func TestChunkDecoderPassThrough(t *testing.T) {
	var d chunkDecoder
	assert.Equal(t, "plain ascii\n", d.decode([]byte("plain ascii\n")))
	assert.Equal(t, "", d.flush())
}

func TestChunkDecoderHoldsIncompleteTail(t *testing.T) {
	var d chunkDecoder
	é := []byte("é")
	out := d.decode(é[:1])
	assert.Empty(t, out, "incomplete rune must be held back")
	assert.Equal(t, "é", d.decode(é[1:]))
}
