package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/vlaude/vlaude/log"
)

// Launcher runs the assistant as a child with inherited stdio plus one
// extra inherited pipe on fd 3. The launcher shim writes the session UUID
// it observes to that pipe as a JSON line.
type Launcher struct {
	bin         string
	sessionID   string
	projectPath string
	onUUID      func(uuid string)

	cmd  *exec.Cmd
	pipe *os.File
}

// NewLauncher prepares a child for one local iteration. sessionID empty
// means a fresh session; otherwise the child resumes it.
func NewLauncher(bin, sessionID, projectPath string, onUUID func(string)) *Launcher {
	return &Launcher{
		bin:         bin,
		sessionID:   sessionID,
		projectPath: projectPath,
		onUUID:      onUUID,
	}
}

// Start spawns the child and begins reading the auxiliary pipe.
func (l *Launcher) Start() error {
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("uuid pipe: %w", err)
	}

	var args []string
	if l.sessionID != "" {
		args = append(args, "--resume", l.sessionID)
	}
	l.cmd = exec.Command(l.bin, args...)
	l.cmd.Dir = l.projectPath
	l.cmd.Stdin = os.Stdin
	l.cmd.Stdout = os.Stdout
	l.cmd.Stderr = os.Stderr
	l.cmd.ExtraFiles = []*os.File{w} // child sees it as fd 3
	l.cmd.Env = append(os.Environ(), "VLAUDE_UUID_FD=3")

	if err := l.cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return fmt.Errorf("start assistant: %w", err)
	}
	w.Close() // parent keeps only the read end
	l.pipe = r

	log.Debug().
		Int("pid", l.cmd.Process.Pid).
		Str("session_id", l.sessionID).
		Msg("assistant launched")

	go l.readPipe(r)
	return nil
}

// Wait blocks until the child exits.
func (l *Launcher) Wait() error {
	err := l.cmd.Wait()
	l.pipe.Close()
	return err
}

// Terminate asks the child to exit gracefully.
func (l *Launcher) Terminate() {
	if l.cmd != nil && l.cmd.Process != nil {
		l.cmd.Process.Signal(syscall.SIGTERM)
	}
}

// readPipe parses {"type":"uuid","value":…} lines from fd 3.
func (l *Launcher) readPipe(r *os.File) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var msg struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Type == "uuid" && msg.Value != "" && l.onUUID != nil {
			l.onUUID(msg.Value)
		}
	}
}
