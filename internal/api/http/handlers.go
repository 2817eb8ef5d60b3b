package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/shellbridge/backend/internal/infrastructure/monitoring"
	"github.com/shellbridge/backend/internal/shared/id"
	"github.com/shellbridge/backend/internal/terminal"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	registry *terminal.Registry
	metrics  *monitoring.Metrics
}

// NewHandlers creates a new handler set
func NewHandlers(registry *terminal.Registry, metrics *monitoring.Metrics) *Handlers {
	return &Handlers{
		registry: registry,
		metrics:  metrics,
	}
}

// Root handles health check
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "Shell Execution Service (Go)",
		"version": "0.2.0",
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	snap := h.registry.Snapshot()
	busy := 0
	for _, t := range snap {
		if t.Busy {
			busy++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"terminals":      len(snap),
		"busy_terminals": busy,
	})
}

// RunRequest is the payload for starting a command.
type RunRequest struct {
	Command string `json:"command" binding:"required"`
	Cwd     string `json:"cwd"`
}

// Run allocates a terminal and starts a command in it. The response
// returns as soon as the command is handed off; the command's own
// duration never delays it. Progress is observed via the WebSocket
// stream or by polling the output endpoints.
func (h *Handlers) Run(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	term := h.registry.GetOrCreateTerminal(req.Cwd, id.NewRequestID().String())
	timer := monitoring.NewTimer(h.metrics)

	p := term.StartWith(req.Command, func(p *terminal.Process) {
		p.Events().Subscribe(terminal.EventStarted, func(terminal.Event) {
			h.metrics.RecordSpawn()
		})
		p.Events().Subscribe(terminal.EventCompleted, func(terminal.Event) {
			timer.Stop(p.State().String())
			if p.PID() == 0 {
				h.metrics.RecordSpawnFailure()
			}
		})
	})
	h.metrics.SetTerminalsActive(len(h.registry.Snapshot()))

	c.JSON(http.StatusAccepted, gin.H{
		"terminal_id": term.ID,
		"run_id":      p.ID,
		"command":     req.Command,
	})
}

// ListTerminals lists every terminal slot
func (h *Handlers) ListTerminals(c *gin.Context) {
	snap := h.registry.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"terminals": snap,
		"count":     len(snap),
	})
}

// GetTerminal returns one terminal slot
func (h *Handlers) GetTerminal(c *gin.Context) {
	term, ok := h.param(c)
	if !ok {
		return
	}
	for _, info := range h.registry.Snapshot() {
		if info.ID == term.ID {
			c.JSON(http.StatusOK, info)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "terminal not found"})
}

// Output drains the complete lines accumulated since the last retrieval
func (h *Handlers) Output(c *gin.Context) {
	p, ok := h.process(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"output":  p.GetUnretrievedOutput(),
		"pending": p.HasUnretrievedOutput(),
	})
}

// FullOutput returns everything the command has produced so far
func (h *Handlers) FullOutput(c *gin.Context) {
	p, ok := h.process(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"full_output": p.FullOutput(),
		"state":       p.State().String(),
	})
}

// Continue detaches the foreground from a running command
func (h *Handlers) Continue(c *gin.Context) {
	p, ok := h.process(c)
	if !ok {
		return
	}
	p.Continue()
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"listening": false,
	})
}

// Abort requests best-effort termination of a running command
func (h *Handlers) Abort(c *gin.Context) {
	p, ok := h.process(c)
	if !ok {
		return
	}
	h.metrics.RecordAbort()
	p.Abort()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"aborted": p.Aborted(),
	})
}

// CloseTerminal aborts any running command and disposes of the slot
func (h *Handlers) CloseTerminal(c *gin.Context) {
	term, ok := h.param(c)
	if !ok {
		return
	}
	h.registry.CloseTerminal(term.ID)
	h.metrics.SetTerminalsActive(len(h.registry.Snapshot()))
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"terminal_id": term.ID,
	})
}

// Background lists running commands with no foreground listener
func (h *Handlers) Background(c *gin.Context) {
	procs := h.registry.BackgroundProcesses()
	out := make([]gin.H, 0, len(procs))
	for _, p := range procs {
		out = append(out, gin.H{
			"terminal_id": p.TerminalID(),
			"run_id":      p.ID,
			"command":     p.Command(),
			"pid":         p.PID(),
			"hot":         p.IsHot(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"processes": out})
}

func (h *Handlers) param(c *gin.Context) (*terminal.Terminal, bool) {
	tid, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "terminal id must be an integer"})
		return nil, false
	}
	term := h.registry.Get(tid)
	if term == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "terminal not found"})
		return nil, false
	}
	return term, true
}

func (h *Handlers) process(c *gin.Context) (*terminal.Process, bool) {
	term, ok := h.param(c)
	if !ok {
		return nil, false
	}
	p := term.Process()
	if p == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "terminal has no process"})
		return nil, false
	}
	return p, true
}
