package terminal

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/shellbridge/backend/internal/infrastructure/logging"
)

// TreeResolver enumerates child processes of a PID and delivers signals.
// It backs both PID correction after a shell-mode spawn and the
// descendant sweep on abort. All operations are best effort: a PID may
// exit between enumeration and signalling at any time.
type TreeResolver struct {
	log *logging.Logger
}

// NewTreeResolver creates a resolver logging through log.
func NewTreeResolver(log *logging.Logger) *TreeResolver {
	if log == nil {
		log = logging.NewNop()
	}
	return &TreeResolver{log: log}
}

// Children returns the direct child PIDs of pid, in ascending order.
func (r *TreeResolver) Children(pid int) []int {
	if pid <= 0 {
		return nil
	}
	if kids := childrenFromProc(pid); kids != nil {
		sort.Ints(kids)
		return kids
	}
	kids := childrenFromPgrep(pid)
	sort.Ints(kids)
	return kids
}

// Descendants returns every transitive child of pid, parents before
// their own children. pid itself is not included.
func (r *TreeResolver) Descendants(pid int) []int {
	var out []int
	queue := r.Children(pid)
	seen := map[int]bool{pid: true}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
		queue = append(queue, r.Children(p)...)
	}
	return out
}

// Signal sends sig to pid. Failures (already-exited process, permission
// denied) are logged and swallowed, never escalated.
func (r *TreeResolver) Signal(pid int, sig syscall.Signal) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(pid, sig); err != nil {
		r.log.Debug("signal delivery failed",
			zap.Int("pid", pid),
			zap.String("signal", signalName(sig)),
			zap.Error(err))
	}
}

// Alive reports whether a process with the given PID exists, via the
// conventional signal-0 probe.
func (r *TreeResolver) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// childrenFromProc reads /proc/<pid>/task/<tid>/children (Linux). Returns
// nil when procfs is unavailable so the caller can fall back to pgrep.
func childrenFromProc(pid int) []int {
	taskDir := filepath.Join("/proc", strconv.Itoa(pid), "task")
	tasks, err := os.ReadDir(taskDir)
	if err != nil {
		return nil
	}
	kids := []int{}
	for _, t := range tasks {
		data, err := os.ReadFile(filepath.Join(taskDir, t.Name(), "children"))
		if err != nil {
			continue
		}
		for _, f := range strings.Fields(string(data)) {
			if p, err := strconv.Atoi(f); err == nil && p > 0 {
				kids = append(kids, p)
			}
		}
	}
	return kids
}

func childrenFromPgrep(pid int) []int {
	out, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).Output()
	if err != nil {
		return nil
	}
	var kids []int
	for _, line := range strings.Fields(strings.TrimSpace(string(out))) {
		if p, err := strconv.Atoi(line); err == nil && p > 0 {
			kids = append(kids, p)
		}
	}
	return kids
}
