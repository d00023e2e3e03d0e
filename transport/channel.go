// Package transport owns the long-lived TLS socket the rest of this module
// speaks over: a dedicated read loop that demultiplexes inbound envelopes
// to namespace listeners, and a mutex-guarded send path. Envelopes route by
// namespace to an ordered set of listeners rather than by a wire-level
// sequence number, since Cast v2 carries only a namespace and an optional
// requestId inside the payload.
package transport

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/castmaster/gocast/casterr"
	"github.com/castmaster/gocast/castlog"
	"github.com/castmaster/gocast/codec"
)

// State is the channel's lifecycle state: Opening→Open→Closing→Closed.
type State int32

const (
	Opening State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Listener receives envelopes for namespaces it is registered against, or a
// single socketError notification when the channel dies. Callbacks run on
// the reader goroutine and must not block on further I/O on the same
// channel.
type Listener interface {
	MessageReceived(env *codec.Envelope)
	SocketError(err error)
}

// ListenerFuncs adapts a pair of plain functions to the Listener interface.
type ListenerFuncs struct {
	OnMessage func(env *codec.Envelope)
	OnError   func(err error)
}

func (f ListenerFuncs) MessageReceived(env *codec.Envelope) {
	if f.OnMessage != nil {
		f.OnMessage(env)
	}
}

func (f ListenerFuncs) SocketError(err error) {
	if f.OnError != nil {
		f.OnError(err)
	}
}

type registration struct {
	namespace string
	listener  Listener
}

// Channel owns one TLS connection plus the listener registry that
// demultiplexes inbound envelopes to it. Safe for concurrent use by
// multiple callers.
type Channel struct {
	conn         net.Conn
	maxFrameSize uint32
	log          castlog.Logger

	state atomic.Int32

	sendMu sync.Mutex

	listenersMu sync.RWMutex
	byNamespace map[string][]Listener
	notified    map[Listener]bool // which listeners already got socketError

	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens a TCP+TLS connection to addr, accepting the device's
// self-signed certificate (hostname verification is intentionally
// disabled), and wraps it in a Channel whose read loop is already running.
func Dial(addr string, maxFrameSize uint32, log castlog.Logger) (*Channel, error) {
	if log == nil {
		log = castlog.Nop()
	}
	tlsConn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true}) //nolint:gosec // Cast devices use self-signed certificates.
	if err != nil {
		return nil, casterr.IO(err)
	}
	return NewFromConn(tlsConn, maxFrameSize, log), nil
}

// NewFromConn wraps an already-established connection in a Channel whose
// read loop is already running. Dial is the common path for real devices;
// this is exposed directly for callers that already hold a net.Conn (unix
// sockets, test fakes).
func NewFromConn(conn net.Conn, maxFrameSize uint32, log castlog.Logger) *Channel {
	if log == nil {
		log = castlog.Nop()
	}
	if maxFrameSize == 0 {
		maxFrameSize = codec.DefaultMaxFrameSize
	}
	ch := &Channel{
		conn:         conn,
		maxFrameSize: maxFrameSize,
		log:          log,
		byNamespace:  make(map[string][]Listener),
		notified:     make(map[Listener]bool),
		done:         make(chan struct{}),
	}
	ch.state.Store(int32(Open))
	go ch.readLoop()
	return ch
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// AddListener registers listener for namespace. Thread-safe. Duplicate
// registrations of the same (listener, namespace) pair are coalesced so a
// listener is observed once per namespace.
func (c *Channel) AddListener(listener Listener, namespace string) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	for _, l := range c.byNamespace[namespace] {
		if l == listener {
			return
		}
	}
	c.byNamespace[namespace] = append(c.byNamespace[namespace], listener)
}

// RemoveListener deregisters listener from every namespace it was
// registered against. Thread-safe.
func (c *Channel) RemoveListener(listener Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	for ns, ls := range c.byNamespace {
		filtered := ls[:0]
		for _, l := range ls {
			if l != listener {
				filtered = append(filtered, l)
			}
		}
		c.byNamespace[ns] = filtered
	}
}

// Send serializes env and writes the frame under the send mutex so
// concurrent senders never interleave bytes on the wire.
func (c *Channel) Send(env *codec.Envelope) error {
	if c.State() != Open {
		return casterr.NotConnectedf("channel is %s", c.State())
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := codec.EncodeFrame(c.conn, env, c.maxFrameSize); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// Close moves the channel through Closing to Closed, attempting a graceful
// TCP shutdown and delivering socketError to every still-registered
// listener exactly once — the same notify-once path a socket failure takes
// in fail. Safe to call more than once and safe to race with a concurrent
// read failure: only one of the two ever gets to notify.
func (c *Channel) Close() error {
	c.state.CompareAndSwap(int32(Open), int32(Closing))
	return c.fail(casterr.IOf("channel closed"))
}

// readLoop decodes frames until the socket breaks, dispatching each to the
// listeners registered for its namespace. Malformed frames are logged and
// dropped without killing the channel; a socket read failure kills the
// channel and fires socketError to every listener exactly once.
func (c *Channel) readLoop() {
	for {
		env, err := codec.DecodeFrame(c.conn, c.maxFrameSize)
		if err != nil {
			// A malformed individual frame (bad length field, oversize body)
			// is logged and dropped; only an actual socket failure (EOF,
			// reset) tears the channel down.
			if !errors.Is(err, casterr.ErrIoError) {
				c.log.Warnw("dropping malformed frame", "error", err)
				continue
			}
			c.fail(err)
			return
		}
		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env *codec.Envelope) {
	c.listenersMu.RLock()
	snapshot := append([]Listener(nil), c.byNamespace[env.Namespace]...)
	c.listenersMu.RUnlock()

	for _, l := range snapshot {
		l.MessageReceived(env)
	}
}

// fail transitions the channel to Closed, closes the underlying connection,
// and delivers socketError to every still-registered listener exactly once
// each. Both a socket read failure and an explicit Close race to call this;
// the state swap below ensures only the first caller closes the conn and
// notifies — the loser gets a no-op and nil error.
func (c *Channel) fail(err error) error {
	prev := State(c.state.Swap(int32(Closed)))
	if prev == Closed {
		return nil
	}
	closeErr := c.conn.Close()

	c.listenersMu.Lock()
	var toNotify []Listener
	seen := make(map[Listener]bool)
	for _, ls := range c.byNamespace {
		for _, l := range ls {
			if seen[l] || c.notified[l] {
				continue
			}
			seen[l] = true
			c.notified[l] = true
			toNotify = append(toNotify, l)
		}
	}
	c.listenersMu.Unlock()

	for _, l := range toNotify {
		l.SocketError(err)
	}

	c.closeOnce.Do(func() { close(c.done) })
	return closeErr
}

// Done returns a channel closed once the Channel has fully torn down.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// RemoteAddr returns the underlying connection's remote address, mainly
// for logging.
func (c *Channel) RemoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// waitClosedOr blocks until the channel closes or d elapses, reporting
// whether the channel closed in time. Nothing in this module calls it.
func (c *Channel) waitClosedOr(d time.Duration) bool {
	select {
	case <-c.done:
		return true
	case <-time.After(d):
		return false
	}
}
