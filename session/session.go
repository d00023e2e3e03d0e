// Package session exposes the caller-facing surface of this module:
// connect, disconnect, and accessors for the receiver controller and any
// app-specific virtual session acquired via EnsureApp. Connect brings up
// the channel, the default receiver connection, and the heartbeat in order and
// rolls back everything already started on failure; Close tears them down
// in reverse, sending CLOSE to every virtual session it opened.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/castmaster/gocast/casterr"
	"github.com/castmaster/gocast/castlog"
	"github.com/castmaster/gocast/config"
	"github.com/castmaster/gocast/heartbeat"
	"github.com/castmaster/gocast/identity"
	"github.com/castmaster/gocast/receiver"
	"github.com/castmaster/gocast/transport"
)

// Session orchestrates the open/close of the whole stack for one Cast
// device connection: one TLS channel, one heartbeat, one receiver
// controller, plus zero or more app-specific virtual sessions opened via
// EnsureApp.
type Session struct {
	cfg *config.Config
	log castlog.Logger
	ids *identity.Namespace

	mu        sync.Mutex
	senderID  string
	channel   *transport.Channel
	hb        *heartbeat.Heartbeat
	recv      *receiver.Controller
	appConns  map[string]*receiver.Controller // transportID -> controller
	openConns map[string]bool                 // destIDs CONNECTed, for CLOSE on shutdown
	closed    bool
}

// New constructs a Session with the given configuration. Pass nil for cfg
// or log to get config.New()'s defaults and a no-op logger respectively.
func New(cfg *config.Config, log castlog.Logger) *Session {
	if cfg == nil {
		cfg = config.New()
	}
	if log == nil {
		log = castlog.Nop()
	}
	return &Session{
		cfg:       cfg,
		log:       log,
		ids:       identity.New(cfg.SenderNameBase),
		appConns:  make(map[string]*receiver.Controller),
		openConns: make(map[string]bool),
	}
}

// Connect performs TCP+TLS to addr, opens the framed channel, sends
// CONNECT, starts the heartbeat, and returns only once the first receiver
// status has arrived successfully — proving the pipe works end-to-end. Any
// failure along the way rolls back everything already started.
func (s *Session) Connect(ctx context.Context, host string) (err error) {
	addr := fmt.Sprintf("%s:%d", host, s.cfg.Port)

	channel, dialErr := transport.Dial(addr, s.cfg.MaxFrameSize, s.log)
	if dialErr != nil {
		return dialErr
	}
	defer func() {
		if err != nil {
			_ = channel.Close()
		}
	}()

	senderID := s.ids.SenderID()

	var deadErr error
	var deadOnce sync.Once
	hb := heartbeat.New(channel, senderID, s.cfg.DefaultReceiverID, s.cfg.PingInterval, s.cfg.PongTimeout, s.log, func(e error) {
		deadOnce.Do(func() { deadErr = e })
	})

	if err = heartbeat.Connect(channel, senderID, s.cfg.DefaultReceiverID); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			hb.Stop()
		}
	}()

	hb.Start()

	recv := receiver.New(channel, s.ids, senderID, s.cfg.DefaultReceiverID, s.log)

	if _, err = recv.GetStatus(ctx, s.cfg.RequestTimeout); err != nil {
		hb.Stop()
		if deadErr != nil {
			return deadErr
		}
		return err
	}

	s.mu.Lock()
	s.senderID = senderID
	s.channel = channel
	s.hb = hb
	s.recv = recv
	s.openConns[s.cfg.DefaultReceiverID] = true
	s.mu.Unlock()

	return nil
}

// Receiver returns the receiver controller for the default receiver
// identity. Valid only after a successful Connect.
func (s *Session) Receiver() *receiver.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recv
}

// EnsureApp launches appID if it isn't already running, opens a virtual
// session to its transport id, and returns a Controller scoped to that
// transport id for app-specific receiver operations (e.g. re-querying
// status scoped to that session). Per-application media namespaces are out
// of scope here; this only gets the caller to the point of having an
// authenticated virtual session with the app.
func (s *Session) EnsureApp(ctx context.Context, appID string, timeout time.Duration) (*receiver.Controller, error) {
	s.mu.Lock()
	recv := s.recv
	channel := s.channel
	senderID := s.senderID
	s.mu.Unlock()

	if recv == nil || channel == nil {
		return nil, casterr.NotConnectedf("session is not connected")
	}

	status, err := recv.GetStatus(ctx, timeout)
	if err != nil {
		return nil, err
	}

	app, ok := status.FindApplication(appID)
	if !ok {
		status, err = recv.Launch(ctx, appID, timeout)
		if err != nil {
			return nil, err
		}
		app, ok = status.FindApplication(appID)
		if !ok {
			return nil, casterr.Protocolf("launch succeeded but %s is not in the resulting status", appID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ctrl, ok := s.appConns[app.TransportID]; ok {
		return ctrl, nil
	}
	if err := heartbeat.Connect(channel, senderID, app.TransportID); err != nil {
		return nil, err
	}
	s.openConns[app.TransportID] = true
	ctrl := receiver.New(channel, s.ids, senderID, app.TransportID, s.log)
	s.appConns[app.TransportID] = ctrl
	return ctrl, nil
}

// Close sends CLOSE on the connection namespace to every virtual session
// this Session opened, then tears down heartbeat and channel. Safe to call
// more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	channel := s.channel
	senderID := s.senderID
	hb := s.hb
	dests := make([]string, 0, len(s.openConns))
	for d := range s.openConns {
		dests = append(dests, d)
	}
	s.mu.Unlock()

	if channel == nil {
		return nil
	}

	for _, d := range dests {
		if err := heartbeat.CloseSession(channel, senderID, d); err != nil {
			s.log.Warnw("close session send failed", "destination", d, "error", err)
		}
	}

	if hb != nil {
		hb.Stop()
	}
	return channel.Close()
}
