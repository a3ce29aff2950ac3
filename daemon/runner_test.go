package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeFakeAssistant builds a script that floods stdout past the message
// buffer and then parks on stdin like the real binary does.
func writeFakeAssistant(t *testing.T, dir string) string {
	t.Helper()
	bin := filepath.Join(dir, "assistant.sh")
	script := "#!/bin/sh\n" +
		"i=0\n" +
		"while [ $i -lt 500 ]; do\n" +
		"  echo '{\"type\":\"assistant\",\"uuid\":\"a1\"}'\n" +
		"  i=$((i+1))\n" +
		"done\n" +
		"cat > /dev/null\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin
}

func TestRunnerCloseWithUnreadOutput(t *testing.T) {
	dir := t.TempDir()
	bin := writeFakeAssistant(t, dir)

	r := NewRunner(bin, "", dir)
	require.NoError(t, r.Start(context.Background()))

	// Let the subprocess fill the messages buffer while nobody consumes it
	time.Sleep(200 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close hung with unread output pending")
	}
}

func TestRunnerMessagesClosedAfterExit(t *testing.T) {
	dir := t.TempDir()
	bin := writeFakeAssistant(t, dir)

	r := NewRunner(bin, "", dir)
	require.NoError(t, r.Start(context.Background()))

	count := 0
	deadline := time.After(5 * time.Second)
	go func() {
		time.Sleep(100 * time.Millisecond)
		r.Close()
	}()
	for {
		select {
		case _, ok := <-r.Messages():
			if !ok {
				require.Greater(t, count, 0)
				return
			}
			count++
		case <-deadline:
			t.Fatal("messages channel never closed")
		}
	}
}
