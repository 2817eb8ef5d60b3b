package terminal

import (
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"unicode/utf8"
)

// Handle wraps one spawned shell command: the running process plus the
// merged, ordered byte stream of its combined stdout and stderr.
type Handle struct {
	cmd    *exec.Cmd
	output *os.File
	pid    int
	exited chan ExitStatus
}

// spawn starts command under a shell in cwd. Stdin is closed so the
// command can never block waiting on input, stdout and stderr share a
// single pipe to preserve interleaving order, and the child gets its own
// process group so it survives changes to the caller's process tree and
// so a group kill reaches shell-spawned children.
func spawn(shell, command, cwd string) (*Handle, error) {
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell, "-c", command)
	cmd.Dir = cwd
	cmd.Env = utf8Environ(os.Environ())
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}
	// The child holds its own copy of the write end; closing ours makes
	// the read side report EOF once every writer in the tree has exited.
	pw.Close()

	h := &Handle{
		cmd:    cmd,
		output: pr,
		pid:    cmd.Process.Pid,
		exited: make(chan ExitStatus, 1),
	}
	go func() {
		h.exited <- waitStatus(cmd.Wait())
	}()
	return h, nil
}

// PID returns the PID of the spawned shell.
func (h *Handle) PID() int { return h.pid }

// Output returns the merged stdout+stderr stream.
func (h *Handle) Output() *os.File { return h.output }

// Exited yields the exit status exactly once, after the process is reaped.
func (h *Handle) Exited() <-chan ExitStatus { return h.exited }

// Kill force-terminates the spawned process. The negative PGID form
// targets the whole process group, shell plus spawned children.
func (h *Handle) Kill() error {
	if h.cmd.Process == nil {
		return errors.New("process never started")
	}
	pid := h.cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		return syscall.Kill(-pgid, syscall.SIGKILL)
	}
	return h.cmd.Process.Kill()
}

// waitStatus extracts the exit code, and the signal name when the process
// was killed by a signal, from the error returned by exec.Cmd.Wait.
func waitStatus(err error) ExitStatus {
	if err == nil {
		return ExitStatus{ExitCode: 0}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			sig := ws.Signal()
			return ExitStatus{ExitCode: 128 + int(sig), SignalName: signalName(sig)}
		}
		return ExitStatus{ExitCode: ee.ExitCode()}
	}
	// Wait itself failed; treat like a spawn failure.
	return ExitStatus{ExitCode: 1}
}

func signalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGQUIT:
		return "SIGQUIT"
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGPIPE:
		return "SIGPIPE"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "SIG" + strings.ToUpper(sig.String())
	}
}

// utf8Environ returns env with LANG and LC_ALL forced to a UTF-8 locale,
// overriding any pre-existing values, so multi-byte output from the
// command decodes correctly regardless of host locale.
func utf8Environ(env []string) []string {
	out := make([]string, 0, len(env)+2)
	for _, kv := range env {
		if strings.HasPrefix(kv, "LANG=") || strings.HasPrefix(kv, "LC_ALL=") {
			continue
		}
		out = append(out, kv)
	}
	return append(out, "LANG=en_US.UTF-8", "LC_ALL=en_US.UTF-8")
}

// chunkDecoder converts raw stream chunks to text, holding back a
// trailing incomplete UTF-8 sequence so a rune split across two chunks
// is reassembled instead of decoded as garbage.
type chunkDecoder struct {
	pending []byte
}

func (d *chunkDecoder) decode(p []byte) string {
	buf := p
	if len(d.pending) > 0 {
		buf = append(d.pending, p...)
		d.pending = nil
	}
	n := len(buf)
	for i := n - 1; i >= 0 && i > n-utf8.UTFMax; i-- {
		if utf8.RuneStart(buf[i]) {
			if !utf8.FullRune(buf[i:]) {
				d.pending = append([]byte(nil), buf[i:]...)
				buf = buf[:i]
			}
			break
		}
	}
	return string(buf)
}

// flush returns whatever is still held back, best effort.
func (d *chunkDecoder) flush() string {
	s := string(d.pending)
	d.pending = nil
	return s
}
