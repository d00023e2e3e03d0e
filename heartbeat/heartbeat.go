// Package heartbeat implements the keep-alive subsystem on
// urn:x-cast:com.google.cast.tp.heartbeat and the virtual-session lifecycle
// on urn:x-cast:com.google.cast.tp.connection. A periodic ticker sends
// outbound PINGs, inbound PINGs are answered with PONG, and a watchdog
// timer fires if the device goes quiet for too long.
package heartbeat

import (
	"sync"
	"time"

	"github.com/castmaster/gocast/casterr"
	"github.com/castmaster/gocast/castlog"
	"github.com/castmaster/gocast/codec"
	"github.com/castmaster/gocast/transport"
)

const (
	ConnectionNamespace = "urn:x-cast:com.google.cast.tp.connection"
	HeartbeatNamespace  = "urn:x-cast:com.google.cast.tp.heartbeat"
)

// Sender is the minimal surface Connect and CloseSession need from their
// channel: send an envelope.
type Sender interface {
	Send(env *codec.Envelope) error
}

// Heartbeat owns the PING cadence and PONG watchdog for one Channel. A
// Session creates one Heartbeat per connection before sending CONNECT and
// starts it once CONNECT has been sent.
type Heartbeat struct {
	channel  *transport.Channel
	senderID string
	destID   string
	interval time.Duration
	timeout  time.Duration
	log      castlog.Logger

	mu       sync.Mutex
	watchdog *time.Timer
	stopped  bool
	onDead   func(error)

	ticker *time.Ticker
	done   chan struct{}
}

// New constructs a Heartbeat bound to channel, talking to destID as
// senderID, with the given PING cadence and PONG watchdog bound. onDead is
// invoked exactly once if the watchdog expires.
func New(channel *transport.Channel, senderID, destID string, interval, timeout time.Duration, log castlog.Logger, onDead func(error)) *Heartbeat {
	if log == nil {
		log = castlog.Nop()
	}
	h := &Heartbeat{
		channel:  channel,
		senderID: senderID,
		destID:   destID,
		interval: interval,
		timeout:  timeout,
		log:      log,
		onDead:   onDead,
		done:     make(chan struct{}),
	}
	channel.AddListener(transport.ListenerFuncs{
		OnMessage: h.handleMessage,
		OnError:   h.handleSocketError,
	}, HeartbeatNamespace)
	return h
}

// Start begins sending PINGs every interval and arms the first watchdog.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	h.watchdog = time.AfterFunc(h.timeout, h.watchdogFired)
	h.ticker = time.NewTicker(h.interval)
	h.mu.Unlock()

	go h.pingLoop()
}

func (h *Heartbeat) pingLoop() {
	for {
		select {
		case <-h.ticker.C:
			h.sendPing()
		case <-h.done:
			return
		}
	}
}

func (h *Heartbeat) sendPing() {
	payload, err := codec.Encode(codec.NewPingPayload())
	if err != nil {
		h.log.Errorw("encode ping failed", "error", err)
		return
	}
	env := &codec.Envelope{
		ProtocolVersion: codec.CastV2_1_0,
		SourceID:        h.senderID,
		DestinationID:   h.destID,
		Namespace:       HeartbeatNamespace,
		PayloadType:     codec.PayloadText,
		PayloadUTF8:     payload,
	}
	if err := h.channel.Send(env); err != nil {
		h.log.Warnw("send ping failed", "error", err)
	}
}

// handleMessage answers inbound PINGs with an immediate PONG and resets the
// watchdog on any inbound PONG.
func (h *Heartbeat) handleMessage(env *codec.Envelope) {
	any_, err := codec.ParseAny(env.PayloadUTF8)
	if err != nil {
		h.log.Warnw("malformed heartbeat payload", "error", err)
		return
	}
	switch any_.Type {
	case codec.TypePing:
		h.replyPong(env)
	case codec.TypePong:
		h.resetWatchdog()
	}
}

func (h *Heartbeat) replyPong(req *codec.Envelope) {
	payload, err := codec.Encode(codec.NewPongPayload())
	if err != nil {
		h.log.Errorw("encode pong failed", "error", err)
		return
	}
	resp := &codec.Envelope{
		ProtocolVersion: codec.CastV2_1_0,
		SourceID:        h.senderID,
		DestinationID:   req.SourceID,
		Namespace:       HeartbeatNamespace,
		PayloadType:     codec.PayloadText,
		PayloadUTF8:     payload,
	}
	if err := h.channel.Send(resp); err != nil {
		h.log.Warnw("send pong failed", "error", err)
	}
}

func (h *Heartbeat) resetWatchdog() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.watchdog == nil {
		return
	}
	h.watchdog.Reset(h.timeout)
}

// watchdogFired declares the peer dead: the connection transitions to
// Closed and onDead fires once.
func (h *Heartbeat) watchdogFired() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()

	err := casterr.IOf("heartbeat watchdog expired: no PONG within %s", h.timeout)
	_ = h.channel.Close()
	if h.onDead != nil {
		h.onDead(err)
	}
	h.Stop()
}

func (h *Heartbeat) handleSocketError(err error) {
	h.Stop()
}

// Stop halts the PING ticker and watchdog. Safe to call more than once.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ticker != nil {
		h.ticker.Stop()
	}
	if h.watchdog != nil {
		h.watchdog.Stop()
	}
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// Connect sends {type:CONNECT} on the connection namespace to destID,
// opening a virtual session.
func Connect(channel Sender, senderID, destID string) error {
	payload, err := codec.Encode(codec.NewConnectPayload())
	if err != nil {
		return err
	}
	return channel.Send(&codec.Envelope{
		ProtocolVersion: codec.CastV2_1_0,
		SourceID:        senderID,
		DestinationID:   destID,
		Namespace:       ConnectionNamespace,
		PayloadType:     codec.PayloadText,
		PayloadUTF8:     payload,
	})
}

// CloseSession sends {type:CLOSE} on the connection namespace to destID,
// closing a virtual session previously opened with Connect.
func CloseSession(channel Sender, senderID, destID string) error {
	payload, err := codec.Encode(codec.NewClosePayload())
	if err != nil {
		return err
	}
	return channel.Send(&codec.Envelope{
		ProtocolVersion: codec.CastV2_1_0,
		SourceID:        senderID,
		DestinationID:   destID,
		Namespace:       ConnectionNamespace,
		PayloadType:     codec.PayloadText,
		PayloadUTF8:     payload,
	})
}
