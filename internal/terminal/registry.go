package terminal

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shellbridge/backend/internal/infrastructure/config"
	"github.com/shellbridge/backend/internal/infrastructure/logging"
)

// ErrAlreadyInitialized is returned when Initialize is called twice
// without a Cleanup in between. This is a programmer error and callers
// are expected to treat it as fatal.
var ErrAlreadyInitialized = errors.New("terminal registry already initialized")

// Terminal is one reusable execution slot: a working directory plus at
// most one in-flight process. The busy flag and the process reference
// are guarded by the owning Registry's mutex, never by the Terminal
// itself, so allocation scans and completion releases see a consistent
// pair.
type Terminal struct {
	// ID is a small integer, unique for the Registry's lifetime and
	// never reused even after disposal.
	ID int
	// Cwd is the working directory commands run in. Rewritten each time
	// the slot is reallocated.
	Cwd string

	reg     *Registry
	busy    bool
	process *Process
	// closing is set when CloseTerminal hits a slot that is allocated but
	// has no process yet; disposal is deferred to the next release.
	closing bool
}

// Busy reports whether the terminal currently has an in-flight command.
func (t *Terminal) Busy() bool {
	t.reg.mu.Lock()
	defer t.reg.mu.Unlock()
	return t.busy
}

// Process returns the current (or most recent) process, which may still
// hold unretrieved output after completion. Nil before the first Start.
func (t *Terminal) Process() *Process {
	t.reg.mu.Lock()
	defer t.reg.mu.Unlock()
	return t.process
}

// Start attaches a fresh Process to the terminal and runs command in it.
// The returned process is already emitting events; subscribe before
// calling Start via StartWith when startup events matter.
func (t *Terminal) Start(command string) *Process {
	return t.StartWith(command, nil)
}

// StartWith is Start with a subscription hook: setup runs on the fresh
// Process after it is attached but before the command is spawned, so
// subscribers registered there observe every event including started.
func (t *Terminal) StartWith(command string, setup func(*Process)) *Process {
	p := t.reg.attach(t)
	if setup != nil {
		setup(p)
	}
	p.Run(command)
	return p
}

// Info is a read-only snapshot of a terminal slot for the API surface.
type Info struct {
	ID      int    `json:"id"`
	Cwd     string `json:"cwd"`
	Busy    bool   `json:"busy"`
	RunID   string `json:"run_id,omitempty"`
	Command string `json:"command,omitempty"`
	PID     int    `json:"pid,omitempty"`
	State   string `json:"state,omitempty"`
	Hot     bool   `json:"hot"`
}

// Registry owns every Terminal and hands out non-busy ones for reuse.
// A single mutex guards the terminal list and each terminal's busy and
// process fields; scanning for a free slot and claiming it happen in
// one critical section.
type Registry struct {
	log      *logging.Logger
	cfg      config.TerminalConfig
	resolver *TreeResolver

	mu          sync.Mutex
	terminals   []*Terminal
	nextID      int
	initialized bool
	stop        chan struct{}
	hooks       Hooks
}

// Hooks receives registry lifecycle notifications. They exist to feed
// metrics without the registry importing the metrics package; callbacks
// run outside the registry lock and must be fast.
type Hooks struct {
	TerminalCreated func()
	TerminalsReaped func(count int)
}

// SetHooks installs lifecycle callbacks. Call before traffic starts.
func (r *Registry) SetHooks(h Hooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = h
}

// NewRegistry creates a registry. A nil logger is replaced with a no-op
// one. Initialize must be called before background reclamation runs;
// allocation works either way.
func NewRegistry(cfg config.TerminalConfig, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.NewNop()
	}
	log = log.Named("terminal")
	return &Registry{
		log:      log,
		cfg:      cfg,
		resolver: NewTreeResolver(log),
	}
}

// Initialize starts the background reclamation loop. Calling it twice
// without Cleanup returns ErrAlreadyInitialized.
func (r *Registry) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return ErrAlreadyInitialized
	}
	r.initialized = true
	r.stop = make(chan struct{})
	go r.reapLoop(r.stop)
	r.log.Info("registry initialized", zap.Duration("reap_interval", r.cfg.ReapInterval))
	return nil
}

// Cleanup stops background work and aborts every in-flight process.
// After Cleanup the registry may be initialized again.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return
	}
	r.initialized = false
	stop := r.stop
	r.stop = nil
	var running []*Process
	for _, t := range r.terminals {
		if t.busy && t.process != nil {
			running = append(running, t.process)
		}
	}
	r.mu.Unlock()

	close(stop)
	for _, p := range running {
		p.Abort()
	}
	r.log.Info("registry cleaned up", zap.Int("aborted", len(running)))
}

// GetOrCreateTerminal returns a non-busy terminal, reusing the oldest
// available slot or creating a new one, already marked busy. The scan
// and the claim share one critical section so two concurrent callers
// can never receive the same terminal. requesterID only identifies the
// caller in logs.
func (r *Registry) GetOrCreateTerminal(cwd, requesterID string) *Terminal {
	r.mu.Lock()
	for _, t := range r.terminals {
		if !t.busy {
			t.busy = true
			t.Cwd = cwd
			t.process = nil
			r.mu.Unlock()
			r.log.Debug("terminal reused",
				zap.Int("terminal_id", t.ID),
				zap.String("cwd", cwd),
				zap.String("requester", requesterID))
			return t
		}
	}
	r.nextID++
	t := &Terminal{ID: r.nextID, Cwd: cwd, reg: r, busy: true}
	r.terminals = append(r.terminals, t)
	created := r.hooks.TerminalCreated
	r.mu.Unlock()

	if created != nil {
		created()
	}
	r.log.Debug("terminal created",
		zap.Int("terminal_id", t.ID),
		zap.String("cwd", cwd),
		zap.String("requester", requesterID))
	return t
}

// Get returns the terminal with the given id, or nil.
func (r *Registry) Get(id int) *Terminal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(id)
}

// Release returns a terminal obtained from GetOrCreateTerminal without
// running anything in it.
func (r *Registry) Release(t *Terminal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.process == nil {
		t.busy = false
		if t.closing {
			r.removeLocked(t.ID)
		}
	}
}

// CloseTerminal aborts the terminal's process if one is running and
// removes the slot from the registry. A slot that is allocated but has
// not started its command yet cannot be removed outright: the pending
// Start must land on a live slot, so the close is deferred until the
// slot is next released.
func (r *Registry) CloseTerminal(id int) {
	r.mu.Lock()
	var closed *Process
	for _, t := range r.terminals {
		if t.ID != id {
			continue
		}
		if t.busy && t.process == nil {
			t.closing = true
			r.mu.Unlock()
			r.log.Debug("terminal close deferred", zap.Int("terminal_id", id))
			return
		}
		if t.busy && t.process != nil {
			closed = t.process
		}
		r.removeLocked(id)
		break
	}
	r.mu.Unlock()

	if closed != nil {
		closed.Abort()
	}
	r.log.Debug("terminal closed", zap.Int("terminal_id", id))
}

// Snapshot returns an Info for every terminal, in creation order.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.terminals))
	for _, t := range r.terminals {
		info := Info{ID: t.ID, Cwd: t.Cwd, Busy: t.busy}
		if p := t.process; p != nil {
			info.RunID = p.ID
			info.Command = p.Command()
			info.PID = p.PID()
			info.State = p.State().String()
			info.Hot = p.IsHot()
		}
		out = append(out, info)
	}
	return out
}

// BackgroundProcesses returns every process that is still running but no
// longer has a foreground listener.
func (r *Registry) BackgroundProcesses() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Process
	for _, t := range r.terminals {
		if p := t.process; p != nil && t.busy && !p.IsListening() {
			out = append(out, p)
		}
	}
	return out
}

// attach binds a fresh Process to t under the registry lock so the
// busy/process pair is updated atomically.
func (r *Registry) attach(t *Terminal) *Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := newProcess(r, t)
	t.busy = true
	t.process = p
	return p
}

// release clears the busy flag when the completing process is still the
// terminal's current one. The identity check makes a stale completion
// harmless: it cannot clobber a newer process that reused the slot. The
// process reference is kept so completed-but-undrained output stays
// reachable until the reaper disposes of the slot.
func (r *Registry) release(terminalID int, p *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.lookupLocked(terminalID)
	if t == nil {
		if p.Aborted() {
			// CloseTerminal removed the slot and aborted the process;
			// its completion arrives here with nothing left to release.
			return
		}
		// The slot cannot vanish any other way while its process runs.
		panic(fmt.Sprintf("terminal %d released after disposal", terminalID))
	}
	if t.process == p {
		t.busy = false
		if t.closing {
			r.removeLocked(t.ID)
			r.log.Debug("deferred close completed", zap.Int("terminal_id", t.ID))
		}
	}
}

func (r *Registry) lookupLocked(id int) *Terminal {
	for _, t := range r.terminals {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (r *Registry) removeLocked(id int) {
	for i, t := range r.terminals {
		if t.ID == id {
			r.terminals = append(r.terminals[:i:i], r.terminals[i+1:]...)
			return
		}
	}
}

func (r *Registry) reapLoop(stop chan struct{}) {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.Reap()
		}
	}
}

// Reap disposes of closed terminals: not busy and nothing left to
// retrieve. Slots that completed but still hold unretrieved output
// survive until drained.
func (r *Registry) Reap() int {
	r.mu.Lock()
	kept := r.terminals[:0]
	reaped := 0
	for _, t := range r.terminals {
		if !t.busy && (t.process == nil || !t.process.HasUnretrievedOutput()) {
			reaped++
			continue
		}
		kept = append(kept, t)
	}
	r.terminals = kept
	onReap := r.hooks.TerminalsReaped
	r.mu.Unlock()

	if reaped > 0 {
		if onReap != nil {
			onReap(reaped)
		}
		r.log.Debug("terminals reaped", zap.Int("count", reaped))
	}
	return reaped
}
