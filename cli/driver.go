package cli

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"sync"

	"github.com/vlaude/vlaude/config"
	"github.com/vlaude/vlaude/log"
	"github.com/vlaude/vlaude/wire"
)

// Driver runs the wrapper's mode loop: LOCAL iterations spawn the
// assistant as a child, REMOTE iterations park the terminal while a mobile
// client drives, and control frames flip between the two.
type Driver struct {
	cfg         *config.Config
	sock        *Socket
	status      *StatusWriter
	projectPath string

	mu        sync.Mutex
	sessionID string

	remoteConnect chan struct{}
	exitAllowed   chan struct{}
	exitDenied    chan string
	remoteGone    chan struct{}
}

// NewDriver creates a driver for one project directory. sessionID is empty
// for a fresh session or set to resume an existing one.
func NewDriver(cfg *config.Config, projectPath, sessionID string, token string) *Driver {
	d := &Driver{
		cfg:           cfg,
		sock:          NewSocket(cfg.ServerURL+"/ws", token),
		projectPath:   projectPath,
		sessionID:     sessionID,
		remoteConnect: make(chan struct{}, 1),
		exitAllowed:   make(chan struct{}, 1),
		exitDenied:    make(chan string, 1),
		remoteGone:    make(chan struct{}, 1),
	}
	d.status = NewStatusWriter(projectPath, d.sock)
	d.registerHandlers()
	return d
}

func (d *Driver) registerHandlers() {
	d.sock.On(wire.EventSessionConfirmed, func(data json.RawMessage) {
		var confirmed wire.SessionConfirmedData
		if err := json.Unmarshal(data, &confirmed); err != nil {
			return
		}
		d.setSession(confirmed.SessionID)
		log.Info().Str("session_id", confirmed.SessionID).Msg("session confirmed")
	})
	d.sock.On(wire.EventRemoteConnect, func(json.RawMessage) {
		signal(d.remoteConnect)
	})
	d.sock.On(wire.EventExitRemoteAllowed, func(json.RawMessage) {
		signal(d.exitAllowed)
	})
	d.sock.On(wire.EventExitRemoteDenied, func(data json.RawMessage) {
		var decision wire.ExitRemoteDecision
		json.Unmarshal(data, &decision)
		select {
		case d.exitDenied <- decision.Reason:
		default:
		}
	})
	d.sock.On(wire.EventRemoteDisconnect, func(json.RawMessage) {
		signal(d.remoteGone)
	})
	d.sock.On(wire.EventMetricsUpdate, func(data json.RawMessage) {
		var m wire.MetricsData
		if err := json.Unmarshal(data, &m); err == nil {
			d.status.SetMetrics(m)
		}
	})

	d.sock.OnConnect(func() {
		d.join()
	})
}

// join (re)announces this CLI on the control socket. Without a confirmed
// session it also arms the server's new-session watch.
func (d *Driver) join() {
	sid := d.currentSession()
	d.sock.Emit(wire.EventJoin, wire.JoinData{
		ClientType:  wire.ClientCLI,
		SessionID:   sid,
		ProjectPath: d.projectPath,
	})
	if sid == "" {
		d.sock.Emit(wire.EventWatchNewSession, wire.WatchNewSessionData{
			ProjectPath: d.projectPath,
		})
	}
}

func (d *Driver) currentSession() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

func (d *Driver) setSession(sessionID string) {
	d.mu.Lock()
	changed := d.sessionID != sessionID
	d.sessionID = sessionID
	d.mu.Unlock()
	if changed {
		d.status.SetSession(sessionID)
	}
}

// Run executes the mode loop until the assistant exits, the user force
// quits, or ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go d.sock.Run(ctx)
	go d.status.Run(ctx)
	if err := WatchSessionSwitch(ctx, d.projectPath, d.handleSessionSwitch); err != nil {
		log.Warn().Err(err).Msg("session-switch watch unavailable")
	}
	if sid := d.currentSession(); sid != "" {
		d.status.SetSession(sid)
	}

	local := true
	for {
		if local {
			d.status.SetMode("local")
			switched, err := d.localIteration(ctx)
			if err != nil || !switched {
				return err
			}
			local = false
		} else {
			d.status.SetMode("remote")
			err := d.remoteLoop(ctx)
			if errors.Is(err, ErrForceExit) {
				return nil
			}
			if err != nil {
				return err
			}
			d.sock.Emit(wire.EventResumeLocal, wire.ResumeLocalData{
				SessionID: d.currentSession(),
			})
			local = true
		}
	}
}

// localIteration spawns the assistant and waits for it to exit or for a
// mobile takeover. Returns true when the mode should flip to remote.
func (d *Driver) localIteration(ctx context.Context) (bool, error) {
	sid := d.currentSession()
	child := NewLauncher(d.launcherBin(), sid, d.projectPath, func(uuid string) {
		d.sock.Emit(wire.EventReportUUID, wire.ReportUUIDData{
			UUID:        uuid,
			ProjectPath: d.projectPath,
		})
	})
	if err := child.Start(); err != nil {
		return false, err
	}

	exited := make(chan error, 1)
	go func() { exited <- child.Wait() }()

	select {
	case <-ctx.Done():
		child.Terminate()
		<-exited
		return false, ctx.Err()

	case <-d.remoteConnect:
		log.Info().Msg("mobile took over, parking local assistant")
		child.Terminate()
		<-exited
		return true, nil

	case err := <-exited:
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			log.Info().Int("exit_code", exit.ExitCode()).Msg("assistant exited")
			return false, nil
		}
		return false, err
	}
}

// handleSessionSwitch rejoins the control socket under the session the
// assistant switched to internally.
func (d *Driver) handleSessionSwitch(newSessionID string) {
	if newSessionID == d.currentSession() {
		return
	}
	log.Info().Str("session_id", newSessionID).Msg("assistant switched sessions")
	d.setSession(newSessionID)
	d.join()
}

func (d *Driver) launcherBin() string {
	if d.cfg.LauncherBin != "" {
		return d.cfg.LauncherBin
	}
	return d.cfg.AssistantBin
}

// signal performs a non-blocking notify on a buffered flag channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
