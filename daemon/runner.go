package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/vlaude/vlaude/log"
)

const runnerBufferSize = 1024 * 1024

// Runner drives the assistant binary for one remotely-controlled session:
// resume mode with JSON streaming on both stdin and stdout, and the stdio
// permission protocol so tool approvals surface as control requests.
type Runner struct {
	sessionID   string
	projectPath string
	bin         string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc
	wg     sync.WaitGroup

	messages chan json.RawMessage
	errs     chan error

	mu        sync.Mutex
	writeMu   sync.Mutex
	connected bool
}

// NewRunner creates a runner for one session.
func NewRunner(bin, sessionID, projectPath string) *Runner {
	return &Runner{
		sessionID:   sessionID,
		projectPath: projectPath,
		bin:         bin,
		messages:    make(chan json.RawMessage, 100),
		errs:        make(chan error, 10),
	}
}

// Start launches the assistant subprocess.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connected {
		return fmt.Errorf("runner already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	}
	// No session ID means a fresh session; the assistant picks its own
	if r.sessionID != "" {
		args = append(args, "--resume", r.sessionID)
	}
	r.cmd = exec.CommandContext(runCtx, r.bin, args...)
	r.cmd.Dir = r.projectPath
	r.cmd.Env = append(os.Environ(), "CLAUDE_CODE_ENTRYPOINT=vlaude-daemon")

	stdin, err := r.cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	r.stdin = stdin
	stdout, err := r.cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := r.cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := r.cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start assistant: %w", err)
	}
	r.connected = true

	log.Info().
		Int("pid", r.cmd.Process.Pid).
		Str("session_id", r.sessionID).
		Msg("assistant runner started")

	r.wg.Add(2)
	go r.readStdout(stdout)
	go r.readStderr(stderr)
	go r.waitExit()
	return nil
}

// Messages streams parsed stdout objects. Closed when the process exits.
func (r *Runner) Messages() <-chan json.RawMessage { return r.messages }

// Errors reports abnormal process failures.
func (r *Runner) Errors() <-chan error { return r.errs }

// SendUserMessage injects user text into the conversation.
func (r *Runner) SendUserMessage(text string) error {
	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
		},
	}
	return r.writeJSON(msg)
}

// RespondControl answers a control_request with an allow or deny verdict.
func (r *Runner) RespondControl(controlRequestID string, approved bool, reason string) error {
	behavior := "deny"
	if approved {
		behavior = "allow"
	}
	resp := map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"request_id": controlRequestID,
			"subtype":    "success",
			"response": map[string]any{
				"behavior": behavior,
				"message":  reason,
			},
		},
	}
	return r.writeJSON(resp)
}

func (r *Runner) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.mu.Lock()
	connected := r.connected
	r.mu.Unlock()
	if !connected {
		return fmt.Errorf("runner not connected")
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_, err = r.stdin.Write(append(data, '\n'))
	return err
}

// Close terminates the subprocess and waits for the readers to drain.
func (r *Runner) Close() {
	r.mu.Lock()
	connected := r.connected
	r.connected = false
	r.mu.Unlock()
	if !connected {
		return
	}
	r.stdin.Close()
	r.cancel()
	// With no consumer left, readStdout may be parked on a full messages
	// channel; drain until waitExit closes it so wg.Wait can return
	go func() {
		for range r.messages {
		}
	}()
	r.wg.Wait()
}

func (r *Runner) readStdout(stdout io.Reader) {
	defer r.wg.Done()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), runnerBufferSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		copied := append(json.RawMessage(nil), line...)
		r.messages <- copied
	}
	if err := scanner.Err(); err != nil {
		select {
		case r.errs <- fmt.Errorf("stdout read: %w", err):
		default:
		}
	}
}

func (r *Runner) readStderr(stderr io.Reader) {
	defer r.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			log.Debug().Str("session_id", r.sessionID).Str("stderr", line).Msg("assistant stderr")
		}
	}
}

func (r *Runner) waitExit() {
	err := r.cmd.Wait()

	r.mu.Lock()
	wasConnected := r.connected
	r.connected = false
	r.mu.Unlock()

	if err != nil && wasConnected {
		log.Error().Err(err).Str("session_id", r.sessionID).Msg("assistant process died")
		select {
		case r.errs <- fmt.Errorf("assistant exited: %w", err):
		default:
		}
	} else if r.cmd.ProcessState != nil {
		log.Info().
			Int("exit_code", r.cmd.ProcessState.ExitCode()).
			Str("session_id", r.sessionID).
			Msg("assistant runner exited")
	}

	r.wg.Wait()
	close(r.messages)
}
