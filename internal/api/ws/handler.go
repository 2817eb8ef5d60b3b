package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shellbridge/backend/internal/infrastructure/logging"
	"github.com/shellbridge/backend/internal/infrastructure/monitoring"
	"github.com/shellbridge/backend/internal/shared/id"
	"github.com/shellbridge/backend/internal/terminal"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in dev
	},
}

// Message is the envelope for client-to-server WebSocket messages.
type Message struct {
	Type       string `json:"type"`
	Command    string `json:"command,omitempty"`
	Cwd        string `json:"cwd,omitempty"`
	TerminalID int    `json:"terminal_id,omitempty"`
}

// Handler manages WebSocket connections
type Handler struct {
	registry *terminal.Registry
	metrics  *monitoring.Metrics
	log      *logging.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(registry *terminal.Registry, metrics *monitoring.Metrics, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.NewNop()
	}
	return &Handler{
		registry: registry,
		metrics:  metrics,
		log:      log.Named("ws"),
	}
}

// session is one upgraded connection. WriteJSON is not safe for
// concurrent use and event callbacks arrive from process goroutines, so
// every write goes through the session mutex.
type session struct {
	conn *websocket.Conn
	id   string
	mu   sync.Mutex
}

func (s *session) send(data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(data)
}

// HandleConnection handles WebSocket upgrade and messages
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()

	connID := id.NewConnectionID().String()
	log := h.log.With(zap.String("conn_id", connID))
	s := &session{conn: conn, id: connID}

	s.send(map[string]interface{}{
		"type":    "system",
		"message": "Connected to shell execution service",
	})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read error", zap.Error(err))
			}
			break
		}
		h.metrics.RecordWSMessage("in", msg.Type)

		switch msg.Type {
		case "run":
			h.handleRun(s, msg)
		case "continue":
			h.handleContinue(s, msg)
		case "abort":
			h.handleAbort(s, msg)
		case "output":
			h.handleOutput(s, msg)
		case "list":
			h.send(s, map[string]interface{}{
				"type":      "terminals",
				"terminals": h.registry.Snapshot(),
			})
		case "ping":
			h.send(s, map[string]interface{}{"type": "pong"})
		default:
			h.sendError(s, "unknown message type")
		}
	}
}

// handleRun allocates a terminal, wires the process's events onto the
// connection, and starts the command. Subscriptions are registered
// before the spawn so the started event is never missed.
func (h *Handler) handleRun(s *session, msg Message) {
	if msg.Command == "" {
		h.sendError(s, "command is required")
		return
	}

	term := h.registry.GetOrCreateTerminal(msg.Cwd, s.id)
	timer := monitoring.NewTimer(h.metrics)

	p := term.StartWith(msg.Command, func(p *terminal.Process) {
		termID := term.ID
		p.Events().Subscribe(terminal.EventStarted, func(ev terminal.Event) {
			h.metrics.RecordSpawn()
			h.send(s, map[string]interface{}{
				"type":        "shell_execution_started",
				"terminal_id": termID,
				"run_id":      p.ID,
				"pid":         ev.PID,
				"timestamp":   time.Now().Unix(),
			})
		})
		p.Events().Subscribe(terminal.EventFlush, func(ev terminal.Event) {
			h.metrics.RecordOutput(len(ev.Line))
			h.send(s, map[string]interface{}{
				"type":        "output",
				"terminal_id": termID,
				"output":      ev.Line,
				"timestamp":   time.Now().Unix(),
			})
		})
		p.Events().Subscribe(terminal.EventComplete, func(ev terminal.Event) {
			h.send(s, map[string]interface{}{
				"type":        "shell_execution_complete",
				"terminal_id": termID,
				"exit_code":   ev.Exit.ExitCode,
				"signal_name": ev.Exit.SignalName,
				"timestamp":   time.Now().Unix(),
			})
		})
		p.Events().Subscribe(terminal.EventCompleted, func(ev terminal.Event) {
			timer.Stop(p.State().String())
			if p.PID() == 0 {
				// Never spawned; the exit code 1 completion is synthetic.
				h.metrics.RecordSpawnFailure()
			}
			h.send(s, map[string]interface{}{
				"type":        "completed",
				"terminal_id": termID,
				"full_output": ev.FullOutput,
				"timestamp":   time.Now().Unix(),
			})
		})
	})

	h.send(s, map[string]interface{}{
		"type":        "run_accepted",
		"terminal_id": term.ID,
		"run_id":      p.ID,
		"timestamp":   time.Now().Unix(),
	})
}

func (h *Handler) handleContinue(s *session, msg Message) {
	p := h.lookupProcess(s, msg.TerminalID)
	if p == nil {
		return
	}
	p.Continue()
	h.send(s, map[string]interface{}{
		"type":        "continue",
		"terminal_id": msg.TerminalID,
		"timestamp":   time.Now().Unix(),
	})
}

func (h *Handler) handleAbort(s *session, msg Message) {
	p := h.lookupProcess(s, msg.TerminalID)
	if p == nil {
		return
	}
	h.metrics.RecordAbort()
	p.Abort()
	h.send(s, map[string]interface{}{
		"type":        "abort_requested",
		"terminal_id": msg.TerminalID,
		"timestamp":   time.Now().Unix(),
	})
}

func (h *Handler) handleOutput(s *session, msg Message) {
	p := h.lookupProcess(s, msg.TerminalID)
	if p == nil {
		return
	}
	h.send(s, map[string]interface{}{
		"type":        "output",
		"terminal_id": msg.TerminalID,
		"output":      p.GetUnretrievedOutput(),
		"timestamp":   time.Now().Unix(),
	})
}

func (h *Handler) lookupProcess(s *session, terminalID int) *terminal.Process {
	term := h.registry.Get(terminalID)
	if term == nil {
		h.sendError(s, "unknown terminal")
		return nil
	}
	p := term.Process()
	if p == nil {
		h.sendError(s, "terminal has no process")
		return nil
	}
	return p
}

func (h *Handler) send(s *session, data map[string]interface{}) error {
	if t, ok := data["type"].(string); ok {
		h.metrics.RecordWSMessage("out", t)
	}
	return s.send(data)
}

func (h *Handler) sendError(s *session, msg string) error {
	return h.send(s, map[string]interface{}{
		"type":      "error",
		"message":   msg,
		"timestamp": time.Now().Unix(),
	})
}
