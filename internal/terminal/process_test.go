package terminal

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shellbridge/backend/internal/infrastructure/config"
	"github.com/shellbridge/backend/internal/infrastructure/logging"
)

func testConfig() config.TerminalConfig {
	cfg := config.DefaultTerminal()
	cfg.HotIdleDelay = 100 * time.Millisecond
	cfg.CompilingIdleDelay = 500 * time.Millisecond
	cfg.PIDCorrectionDelay = 20 * time.Millisecond
	cfg.AbortGracePeriod = time.Second
	cfg.FlushThrottle = 10 * time.Millisecond
	cfg.ReapInterval = time.Hour
	return cfg
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(testConfig(), logging.NewNop())
	require.NoError(t, r.Initialize())
	t.Cleanup(r.Cleanup)
	return r
}

// collector records every event it subscribes to, in arrival order.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) follow(p *Process, kinds ...EventKind) {
	for _, k := range kinds {
		k := k
		p.Events().Subscribe(k, func(ev Event) {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		})
	}
}

func (c *collector) byKind(k EventKind) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func (c *collector) kinds() []EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EventKind, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

func runCollected(t *testing.T, r *Registry, command string) (*Process, *collector) {
	t.Helper()
	term := r.GetOrCreateTerminal(t.TempDir(), t.Name())
	c := &collector{}
	p := term.StartWith(command, func(p *Process) {
		c.follow(p, EventStarted, EventLine, EventFlush, EventContinue, EventComplete, EventCompleted)
	})
	return p, c
}

func waitDone(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not finish")
	}
}

func TestProcessLifecycleEvents(t *testing.T) {
	r := newTestRegistry(t)
	p, c := runCollected(t, r, "echo hello")
	waitDone(t, p)

	started := c.byKind(EventStarted)
	require.Len(t, started, 1)
	assert.Greater(t, started[0].PID, 0)

	require.NotEmpty(t, c.byKind(EventContinue), "continue must fire from Run")

	complete := c.byKind(EventComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, 0, complete[0].Exit.ExitCode)

	completed := c.byKind(EventCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "hello\n", completed[0].FullOutput)

	assert.Equal(t, StateCompleted, p.State())
}

func TestProcessRunReturnsBeforeExit(t *testing.T) {
	r := newTestRegistry(t)
	term := r.GetOrCreateTerminal(t.TempDir(), t.Name())

	start := time.Now()
	p := term.Start("sleep 2")
	assert.Less(t, time.Since(start), 100*time.Millisecond, "Run must not wait for the command")

	p.Abort()
	waitDone(t, p)
}

func TestProcessLineEventsCarryStreamOrder(t *testing.T) {
	r := newTestRegistry(t)
	p, c := runCollected(t, r, "echo one; echo two >&2; echo three")
	waitDone(t, p)

	var joined strings.Builder
	for _, ev := range c.byKind(EventLine) {
		joined.WriteString(ev.Line)
	}
	assert.Equal(t, "one\ntwo\nthree\n", joined.String())
}

func TestProcessExitCode(t *testing.T) {
	r := newTestRegistry(t)
	p, c := runCollected(t, r, "exit 42")
	waitDone(t, p)

	complete := c.byKind(EventComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, 42, complete[0].Exit.ExitCode)
	assert.Empty(t, complete[0].Exit.SignalName)
}

func TestProcessSignalExit(t *testing.T) {
	r := newTestRegistry(t)
	p, c := runCollected(t, r, "kill -KILL $$")
	waitDone(t, p)

	complete := c.byKind(EventComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, 137, complete[0].Exit.ExitCode)
	assert.Equal(t, "SIGKILL", complete[0].Exit.SignalName)
}

func TestProcessSpawnFailureCompletesWithExitOne(t *testing.T) {
	cfg := testConfig()
	cfg.Shell = "/nonexistent/shell"
	r := NewRegistry(cfg, logging.NewNop())
	require.NoError(t, r.Initialize())
	t.Cleanup(r.Cleanup)

	term := r.GetOrCreateTerminal(t.TempDir(), t.Name())
	c := &collector{}
	p := term.StartWith("echo hi", func(p *Process) {
		c.follow(p, EventStarted, EventContinue, EventComplete, EventCompleted)
	})
	waitDone(t, p)

	assert.Empty(t, c.byKind(EventStarted), "nothing was spawned")
	require.NotEmpty(t, c.byKind(EventContinue))
	complete := c.byKind(EventComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, 1, complete[0].Exit.ExitCode)
	assert.False(t, term.Busy(), "failed spawn must release the terminal")
}

func TestProcessUnretrievedOutputTruncatesAtNewline(t *testing.T) {
	r := newTestRegistry(t)
	p, _ := runCollected(t, r, `printf 'alpha\nbeta\ngamma'`)
	waitDone(t, p)

	assert.True(t, p.HasUnretrievedOutput())
	assert.Equal(t, "alpha\nbeta\n", p.GetUnretrievedOutput())

	// "gamma" has no trailing newline and stays pending.
	assert.Equal(t, "", p.GetUnretrievedOutput())
	assert.True(t, p.HasUnretrievedOutput())
	assert.Equal(t, "alpha\nbeta\ngamma", p.FullOutput())
}

func TestProcessRetrievalCursorNeverRewinds(t *testing.T) {
	r := newTestRegistry(t)
	p, _ := runCollected(t, r, `printf 'a\nb\nc\n'`)
	waitDone(t, p)

	first := p.GetUnretrievedOutput()
	assert.Equal(t, "a\nb\nc\n", first)
	assert.Equal(t, "", p.GetUnretrievedOutput(), "same output must not be returned twice")
	assert.False(t, p.HasUnretrievedOutput())
}

func TestProcessContinueDetachesForeground(t *testing.T) {
	r := newTestRegistry(t)
	term := r.GetOrCreateTerminal(t.TempDir(), t.Name())
	c := &collector{}
	p := term.StartWith(`printf 'hello\nwor'; sleep 3`, func(p *Process) {
		c.follow(p, EventFlush, EventContinue)
	})

	require.Eventually(t, func() bool {
		return strings.Contains(p.FullOutput(), "wor")
	}, 5*time.Second, 10*time.Millisecond)

	// Drain throttled flushes before detaching so the final flush is ours.
	continuesBefore := len(c.byKind(EventContinue))
	p.Continue()

	assert.False(t, p.IsListening())
	assert.Equal(t, 0, p.Events().SubscriberCount(EventLine))
	assert.Equal(t, 0, p.Events().SubscriberCount(EventFlush))
	assert.Len(t, c.byKind(EventContinue), continuesBefore+1)

	// Everything produced so far, including the partial "wor", went out
	// across the flushes; nothing is lost at the detach boundary.
	var flushed strings.Builder
	for _, ev := range c.byKind(EventFlush) {
		flushed.WriteString(ev.Line)
	}
	assert.Equal(t, "hello\nwor", flushed.String())
	assert.False(t, p.HasUnretrievedOutput())

	p.Abort()
	waitDone(t, p)
}

func TestProcessContinueWithNothingPending(t *testing.T) {
	r := newTestRegistry(t)
	p, _ := runCollected(t, r, "echo hi")
	waitDone(t, p)

	p.GetUnretrievedOutput()
	flushes := 0
	p.Events().Subscribe(EventFlush, func(Event) { flushes++ })
	p.Continue()
	assert.Equal(t, 0, flushes, "no flush when nothing is pending")
}

func TestProcessAbortReturnsImmediately(t *testing.T) {
	r := newTestRegistry(t)
	p, _ := runCollected(t, r, "sleep 30")

	start := time.Now()
	p.Abort()
	assert.Less(t, time.Since(start), 500*time.Millisecond, "Abort must not block on the kill")
	assert.True(t, p.Aborted(), "flag must be visible before termination lands")

	waitDone(t, p)
	assert.Equal(t, StateAborted, p.State())
	assert.Less(t, time.Since(start), 10*time.Second, "abort must not wait out the sleep")
}

func TestProcessAbortKillsShellChildren(t *testing.T) {
	r := newTestRegistry(t)
	p, _ := runCollected(t, r, "sleep 30 & sleep 30")

	require.Eventually(t, func() bool { return p.PID() > 0 }, 2*time.Second, 10*time.Millisecond)
	pid := p.PID()

	p.Abort()
	waitDone(t, p)

	resolver := NewTreeResolver(logging.NewNop())
	require.Eventually(t, func() bool {
		return !resolver.Alive(pid)
	}, 5*time.Second, 50*time.Millisecond, "command tree must be gone after abort")
}

func TestProcessAbortIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	p, c := runCollected(t, r, "sleep 30")

	p.Abort()
	p.Abort()
	p.Abort()
	waitDone(t, p)

	assert.Len(t, c.byKind(EventComplete), 1)
	assert.Len(t, c.byKind(EventCompleted), 1)
}

func TestProcessCompletedFiresExactlyOnce(t *testing.T) {
	r := newTestRegistry(t)
	p, c := runCollected(t, r, "echo once")
	waitDone(t, p)
	time.Sleep(50 * time.Millisecond)

	completed := c.byKind(EventCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "once\n", completed[0].FullOutput)
}

func TestProcessReleasesTerminalOnCompletion(t *testing.T) {
	r := newTestRegistry(t)
	term := r.GetOrCreateTerminal(t.TempDir(), t.Name())
	assert.True(t, term.Busy())

	p := term.Start("echo done")
	waitDone(t, p)

	assert.False(t, term.Busy())
	assert.Same(t, p, term.Process(), "completed process stays reachable for draining")
}

func TestProcessPIDCorrection(t *testing.T) {
	r := newTestRegistry(t)
	// The trailing `&& true` keeps the shell itself alive so the sleep
	// runs as its child instead of being exec'd in place.
	p, _ := runCollected(t, r, "sleep 2 && true")

	shellPID := p.PID()
	require.Greater(t, shellPID, 0)

	// After the correction delay the tracked PID is the sleep, not the shell.
	require.Eventually(t, func() bool {
		return p.PID() != shellPID
	}, 2*time.Second, 10*time.Millisecond, "pid should move to the shell's child")

	p.Abort()
	waitDone(t, p)
}

func TestProcessHotWindow(t *testing.T) {
	r := newTestRegistry(t)
	p, _ := runCollected(t, r, "echo warm; sleep 5")

	require.Eventually(t, func() bool { return p.IsHot() },
		2*time.Second, 10*time.Millisecond, "output must mark the process hot")
	assert.Eventually(t, func() bool { return !p.IsHot() },
		2*time.Second, 20*time.Millisecond, "hot flag must decay after the idle delay")

	p.Abort()
	waitDone(t, p)
}

func TestProcessCompilingOutputExtendsHotWindow(t *testing.T) {
	r := newTestRegistry(t)
	p, _ := runCollected(t, r, "echo building project; sleep 5")

	require.Eventually(t, func() bool { return p.IsHot() },
		2*time.Second, 10*time.Millisecond)

	// Past the plain idle delay but inside the compiling window.
	time.Sleep(250 * time.Millisecond)
	assert.True(t, p.IsHot(), "compile-looking output keeps the window open longer")

	assert.Eventually(t, func() bool { return !p.IsHot() },
		2*time.Second, 20*time.Millisecond)

	p.Abort()
	waitDone(t, p)
}

func TestProcessThrottledFlushWhileListening(t *testing.T) {
	r := newTestRegistry(t)
	term := r.GetOrCreateTerminal(t.TempDir(), t.Name())
	c := &collector{}
	p := term.StartWith(`for i in 1 2 3 4 5; do echo line$i; sleep 0.05; done`, func(p *Process) {
		c.follow(p, EventFlush)
	})
	waitDone(t, p)

	var flushed strings.Builder
	for _, ev := range c.byKind(EventFlush) {
		flushed.WriteString(ev.Line)
	}
	// Flushes are batched but lossless and ordered.
	assert.True(t, strings.HasPrefix("line1\nline2\nline3\nline4\nline5\n", flushed.String()) ||
		flushed.String() == "line1\nline2\nline3\nline4\nline5\n")
	assert.Contains(t, flushed.String(), "line1\n")
}

func TestProcessRunTwiceIsRejected(t *testing.T) {
	r := newTestRegistry(t)
	p, c := runCollected(t, r, "echo first")
	waitDone(t, p)

	p.Run("echo second")
	time.Sleep(100 * time.Millisecond)

	assert.Len(t, c.byKind(EventCompleted), 1)
	assert.Equal(t, "first\n", p.FullOutput())
}
