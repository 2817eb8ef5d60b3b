package terminal

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shellbridge/backend/internal/infrastructure/config"
	"github.com/shellbridge/backend/internal/infrastructure/logging"
	"github.com/shellbridge/backend/internal/shared/id"
)

// State tracks where a Process is in its lifecycle.
type State int32

const (
	// StateCreated means Run has not been called yet.
	StateCreated State = iota
	// StateRunning means the command has been spawned and may be producing output.
	StateRunning
	// StateCompleted means the command finished on its own.
	StateCompleted
	// StateAborted means the command was terminated via Abort.
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Output markers that suggest a long-running compile step is in progress,
// or that one has settled. A hot process with compile-looking output keeps
// its hot window open longer.
var (
	compilingMarkers = []string{"compiling", "building", "bundling", "transpiling", "generating", "starting"}
	settledMarkers   = []string{"compiled", "success", "finish", "complete", "succeed", "done", "end", "stop", "exit", "terminate", "error", "warning"}
)

// Process is the runtime object for one in-flight shell command. It owns
// the spawned Handle, accumulates all output, exposes incremental
// retrieval, and emits lifecycle events through its Emitter.
//
// fullOutput is append-only and lastRetrieved never decreases; Completed
// fires exactly once per Process. Unlike the busy/process pair, which is
// guarded by the Registry, all per-process state lives under p.mu.
type Process struct {
	// ID is a unique run identifier, used in logs and the API.
	ID string

	log      *logging.Logger
	cfg      config.TerminalConfig
	events   *Emitter
	resolver *TreeResolver
	registry *Registry

	// terminalID is a non-owning reference to the Terminal this process
	// runs in; the Terminal is looked up by id, never retained.
	terminalID int

	flush   *rate.Limiter
	decoder chunkDecoder

	mu            sync.Mutex
	state         State
	command       string
	cwd           string
	handle        *Handle
	shellPID      int
	pid           int
	fullOutput    []byte
	lastRetrieved int
	listening     bool
	hot           bool
	hotTimer      *time.Timer

	aborted      atomic.Bool
	pidCorrected chan struct{}
	done         chan struct{}
	completeOnce sync.Once
}

func newProcess(reg *Registry, t *Terminal) *Process {
	runID := string(id.NewRunID())
	return &Process{
		ID:           runID,
		log:          reg.log.With(zap.Int("terminal_id", t.ID), zap.String("run_id", runID)),
		cfg:          reg.cfg,
		events:       NewEmitter(),
		resolver:     reg.resolver,
		registry:     reg,
		terminalID:   t.ID,
		cwd:          t.Cwd,
		listening:    true,
		flush:        rate.NewLimiter(rate.Every(reg.cfg.FlushThrottle), 1),
		pidCorrected: make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Events exposes the process's event emitter for subscription.
func (p *Process) Events() *Emitter { return p.events }

// Command returns the command line this process was started with.
func (p *Process) Command() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.command
}

// PID returns the tracked PID: the shell's right after spawn, the real
// command's once correction has run. Zero before spawn.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsListening reports whether a foreground consumer receives flushes.
func (p *Process) IsListening() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listening
}

// IsHot reports whether the command looks actively busy: output arrived
// within the hot window.
func (p *Process) IsHot() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hot
}

// Aborted reports whether Abort has been requested.
func (p *Process) Aborted() bool { return p.aborted.Load() }

// TerminalID returns the id of the Terminal slot this process runs in.
func (p *Process) TerminalID() int { return p.terminalID }

// Done is closed once the final Completed event has been emitted.
func (p *Process) Done() <-chan struct{} { return p.done }

// Run spawns the command and returns promptly; the command's duration
// never blocks the caller. Failures surface as lifecycle events (a spawn
// failure completes with exit code 1), never as an error from Run.
func (p *Process) Run(command string) {
	p.mu.Lock()
	if p.state != StateCreated {
		p.mu.Unlock()
		p.log.Warn("run called on a non-fresh process", zap.String("state", p.state.String()))
		return
	}
	p.state = StateRunning
	p.command = command
	shell, cwd := p.cfg.Shell, p.cwd
	p.mu.Unlock()

	h, err := spawn(shell, command, cwd)
	if err != nil {
		p.log.Warn("spawn failed", zap.String("command", command), zap.Error(err))
		close(p.pidCorrected)
		p.events.Emit(Event{Kind: EventContinue})
		p.finish(ExitStatus{ExitCode: 1})
		return
	}

	p.mu.Lock()
	p.handle = h
	p.shellPID = h.PID()
	p.pid = h.PID()
	p.mu.Unlock()

	p.events.Emit(Event{Kind: EventStarted, PID: h.PID()})
	go p.correctPID()
	go p.pump(h)
	p.events.Emit(Event{Kind: EventContinue})
}

// correctPID replaces the shell's PID with its first child's after a
// short delay. Shell-mode spawning reports the shell, not the invoked
// command; Abort waits on pidCorrected so its direct kills do not stop
// at the shell. The first-child heuristic is inherited behavior and not
// guaranteed stable across platforms; the group kill in Handle.Kill is
// the backstop.
func (p *Process) correctPID() {
	defer close(p.pidCorrected)

	timer := time.NewTimer(p.cfg.PIDCorrectionDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-p.done:
		return
	}

	p.mu.Lock()
	shellPID := p.shellPID
	p.mu.Unlock()

	kids := p.resolver.Children(shellPID)
	if len(kids) == 0 {
		return
	}
	p.mu.Lock()
	p.pid = kids[0]
	p.mu.Unlock()
	p.log.Debug("pid corrected", zap.Int("shell_pid", shellPID), zap.Int("pid", kids[0]))
}

// pump consumes the merged output stream until it ends or the process is
// aborted, then resolves the exit status and finishes the lifecycle.
func (p *Process) pump(h *Handle) {
	buf := make([]byte, 4096)
	for {
		n, err := h.Output().Read(buf)
		if n > 0 {
			if text := p.decoder.decode(buf[:n]); text != "" {
				p.ingest(text)
			}
		}
		if err != nil {
			if err != io.EOF && !p.aborted.Load() {
				p.log.Warn("stream read failed", zap.Error(err))
			}
			break
		}
		if p.aborted.Load() {
			break
		}
	}
	if tail := p.decoder.flush(); tail != "" {
		p.ingest(tail)
	}
	h.Output().Close()

	var status ExitStatus
	if p.aborted.Load() {
		// Race the natural exit against the grace period, then force-kill.
		grace := time.NewTimer(p.cfg.AbortGracePeriod)
		select {
		case status = <-h.Exited():
			grace.Stop()
		case <-grace.C:
			if err := h.Kill(); err != nil {
				p.log.Debug("forced kill failed", zap.Error(err))
			}
			select {
			case status = <-h.Exited():
			case <-time.After(p.cfg.AbortGracePeriod):
				// Unkillable; report the signal we sent and move on.
				p.log.Warn("process survived forced kill", zap.Int("pid", h.PID()))
				status = ExitStatus{ExitCode: 128 + int(syscall.SIGKILL), SignalName: "SIGKILL"}
			}
		}
	} else {
		status = <-h.Exited()
	}
	p.finish(status)
}

// ingest appends a decoded chunk, emits it as a line event, refreshes the
// hot window, and forwards a throttled flush to the foreground while a
// listener is attached.
func (p *Process) ingest(text string) {
	p.mu.Lock()
	p.fullOutput = append(p.fullOutput, text...)
	p.markHotLocked(text)
	listening := p.listening
	p.mu.Unlock()

	p.events.Emit(Event{Kind: EventLine, Line: text})

	if listening && p.flush.Allow() {
		if out := p.GetUnretrievedOutput(); out != "" {
			p.events.Emit(Event{Kind: EventFlush, Line: out})
		}
	}
}

// markHotLocked refreshes the hot flag and its decay timer. Compile-ish
// output keeps the window open longer than ordinary output.
func (p *Process) markHotLocked(text string) {
	p.hot = true
	delay := p.cfg.HotIdleDelay
	lower := strings.ToLower(text)
	if containsAny(lower, compilingMarkers) && !containsAny(lower, settledMarkers) {
		delay = p.cfg.CompilingIdleDelay
	}
	if p.hotTimer != nil {
		p.hotTimer.Stop()
	}
	p.hotTimer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		p.hot = false
		p.mu.Unlock()
	})
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// HasUnretrievedOutput reports whether output has accumulated past the
// retrieval cursor.
func (p *Process) HasUnretrievedOutput() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRetrieved < len(p.fullOutput)
}

// GetUnretrievedOutput returns everything between the retrieval cursor
// and the last newline, advancing the cursor past it. A trailing partial
// line is never returned, so a line split across chunks is never split
// across two retrievals. Returns "" when no complete line is pending.
func (p *Process) GetUnretrievedOutput() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	pending := p.fullOutput[p.lastRetrieved:]
	i := bytes.LastIndexByte(pending, '\n')
	if i < 0 {
		return ""
	}
	p.lastRetrieved += i + 1
	return string(pending[:i+1])
}

// FullOutput returns a copy of everything seen so far.
func (p *Process) FullOutput() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.fullOutput)
}

// Continue detaches the foreground. Everything still unretrieved,
// including a trailing partial line, goes out as one final flush so
// nothing is lost at the detach boundary. Listening stops, line and
// flush subscribers are dropped, and a continue event tells the caller
// the process keeps running in the background.
func (p *Process) Continue() {
	p.mu.Lock()
	rest := string(p.fullOutput[p.lastRetrieved:])
	p.lastRetrieved = len(p.fullOutput)
	p.listening = false
	p.mu.Unlock()

	if rest != "" {
		p.events.Emit(Event{Kind: EventFlush, Line: rest})
	}
	p.events.RemoveAll(EventLine)
	p.events.RemoveAll(EventFlush)
	p.events.Emit(Event{Kind: EventContinue})
}

// Abort marks the process aborted before returning (the flag is set
// even while PID correction is still pending) and kicks off best-effort
// termination in the background. Safe to call at any time, idempotent.
func (p *Process) Abort() {
	if p.aborted.Swap(true) {
		return
	}
	p.events.RemoveAll(EventLine)
	p.events.RemoveAll(EventFlush)
	p.log.Info("abort requested", zap.String("command", p.Command()))
	go p.terminate()
}

// terminate delivers the kill signals. Every attempt is best effort:
// failures are logged, never escalated. The direct PID kill waits for
// PID correction so it hits the real command rather than the shell; the
// process-tree sweep does not wait.
func (p *Process) terminate() {
	if h := p.handleSnapshot(); h != nil {
		if err := h.Kill(); err != nil {
			p.log.Debug("handle kill failed", zap.Error(err))
		}
	}

	for _, child := range p.resolver.Descendants(p.PID()) {
		p.resolver.Signal(child, syscall.SIGKILL)
	}

	select {
	case <-p.pidCorrected:
	case <-time.After(p.cfg.AbortGracePeriod):
	}

	pid := p.PID()
	p.resolver.Signal(pid, syscall.SIGKILL)
	for _, child := range p.resolver.Descendants(pid) {
		p.resolver.Signal(child, syscall.SIGKILL)
	}
}

func (p *Process) handleSnapshot() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle
}

// finish emits the terminal events exactly once and releases resources:
// the stream reference is cleared, the hot timer stopped, all remaining
// subscribers dropped, and the Terminal slot released (identity-checked
// by the Registry).
func (p *Process) finish(status ExitStatus) {
	p.completeOnce.Do(func() {
		p.mu.Lock()
		if p.hotTimer != nil {
			p.hotTimer.Stop()
			p.hotTimer = nil
		}
		p.hot = false
		if p.aborted.Load() {
			p.state = StateAborted
		} else {
			p.state = StateCompleted
		}
		p.handle = nil
		full := string(p.fullOutput)
		p.mu.Unlock()

		p.events.Emit(Event{Kind: EventComplete, Exit: status})
		p.events.Emit(Event{Kind: EventCompleted, FullOutput: full})
		p.events.Clear()
		p.registry.release(p.terminalID, p)
		close(p.done)
		p.log.Info("command finished",
			zap.Int("exit_code", status.ExitCode),
			zap.String("signal", status.SignalName),
			zap.String("state", p.State().String()))
	})
}
