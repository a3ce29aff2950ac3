package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/vlaude/vlaude/log"
	"github.com/vlaude/vlaude/wire"
)

// ErrForceExit means the user hit Ctrl-C while in remote mode.
var ErrForceExit = errors.New("force exit requested")

const (
	keyCtrlC = 0x03
	keyEsc   = 0x1b
)

// remoteLoop parks the terminal while a mobile client drives the session.
// It returns nil when the session should flip back to local, ErrForceExit
// on Ctrl-C, or the context error.
func (d *Driver) remoteLoop(ctx context.Context) error {
	fd := int(os.Stdin.Fd())
	var restore func()
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		restore = func() { term.Restore(fd, state) }
		defer restore()
	}

	// \x1b[2J\x1b[H clears and homes; raw mode needs \r\n line endings
	fmt.Print("\x1b[2J\x1b[H")
	fmt.Print("Session is controlled remotely.\r\n")
	fmt.Print("Press q or ESC to take over, Ctrl-C to quit.\r\n")

	keys := make(chan byte, 8)
	readCtx, stopReader := context.WithCancel(ctx)
	defer stopReader()
	go readKeys(readCtx, keys)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case key := <-keys:
			switch key {
			case keyCtrlC:
				return ErrForceExit
			case 'q', keyEsc:
				err := d.sock.Emit(wire.EventRequestExitRemote, wire.ExitRemoteData{
					SessionID:   d.currentSession(),
					ProjectPath: d.projectPath,
				})
				if err != nil {
					log.Warn().Err(err).Msg("exit request failed")
				}
			}

		case <-d.exitAllowed:
			return nil

		case reason := <-d.exitDenied:
			fmt.Printf("Cannot take over: %s\r\n", reason)

		case <-d.remoteGone:
			return nil
		}
	}
}

// readKeys forwards single bytes from stdin until cancelled. The read
// itself cannot be interrupted, so a final keypress after cancellation may
// be swallowed; the local iteration resets stdin anyway.
func readKeys(ctx context.Context, keys chan<- byte) {
	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		select {
		case keys <- buf[0]:
		case <-ctx.Done():
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}
