package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-assistant")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestLauncherForwardsUUIDFromPipe(t *testing.T) {
	bin := writeScript(t, `echo '{"type":"uuid","value":"abc-123"}' >&3`)

	uuids := make(chan string, 1)
	child := NewLauncher(bin, "", t.TempDir(), func(u string) { uuids <- u })
	require.NoError(t, child.Start())
	require.NoError(t, child.Wait())

	select {
	case got := <-uuids:
		require.Equal(t, "abc-123", got)
	case <-time.After(2 * time.Second):
		t.Fatal("uuid never arrived")
	}
}

func TestLauncherIgnoresPipeNoise(t *testing.T) {
	bin := writeScript(t, `
echo 'not json' >&3
echo '{"type":"other","value":"x"}' >&3
echo '{"type":"uuid","value":""}' >&3
`)

	uuids := make(chan string, 1)
	child := NewLauncher(bin, "", t.TempDir(), func(u string) { uuids <- u })
	require.NoError(t, child.Start())
	require.NoError(t, child.Wait())

	select {
	case got := <-uuids:
		t.Fatalf("unexpected uuid %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLauncherResumePassesSessionID(t *testing.T) {
	// The script echoes its arguments back through the pipe
	bin := writeScript(t, `echo "{\"type\":\"uuid\",\"value\":\"$2\"}" >&3`)

	uuids := make(chan string, 1)
	child := NewLauncher(bin, "my-session", t.TempDir(), func(u string) { uuids <- u })
	require.NoError(t, child.Start())
	require.NoError(t, child.Wait())

	select {
	case got := <-uuids:
		require.Equal(t, "my-session", got)
	case <-time.After(2 * time.Second):
		t.Fatal("argument echo never arrived")
	}
}

func TestLauncherTerminate(t *testing.T) {
	bin := writeScript(t, `sleep 30`)

	child := NewLauncher(bin, "", t.TempDir(), nil)
	require.NoError(t, child.Start())

	done := make(chan error, 1)
	go func() { done <- child.Wait() }()

	time.Sleep(50 * time.Millisecond)
	child.Terminate()

	select {
	case err := <-done:
		require.Error(t, err) // killed by signal
	case <-time.After(2 * time.Second):
		t.Fatal("child did not exit after terminate")
	}
}
