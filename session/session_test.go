package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/castmaster/gocast/castlog"
	"github.com/castmaster/gocast/codec"
	"github.com/castmaster/gocast/config"
	"github.com/castmaster/gocast/identity"
	"github.com/castmaster/gocast/receiver"
	"github.com/castmaster/gocast/transport"
)

func TestConnectFailsOnUnreachableHost(t *testing.T) {
	cfg := config.New(config.WithPort(1), config.WithRequestTimeout(300*time.Millisecond))
	s := New(cfg, castlog.Nop())

	if err := s.Connect(context.Background(), "127.0.0.1"); err == nil {
		t.Fatal("expected Connect to an unreachable port to fail")
	}
	if s.Receiver() != nil {
		t.Fatal("a failed Connect must not leave a usable receiver behind")
	}
}

// wired builds a Session whose internal channel/receiver fields are already
// populated over a net.Pipe (no heartbeat is started), bypassing the real
// TCP+TLS dial in Connect so EnsureApp/Close can be exercised against a fake
// device.
func wired(t *testing.T) (*Session, *fakeDevice) {
	t.Helper()
	clientConn, deviceConn := net.Pipe()
	ch := transport.NewFromConn(clientConn, 0, castlog.Nop())
	t.Cleanup(func() { ch.Close(); deviceConn.Close() })

	fd := newFakeDevice(t, deviceConn)

	cfg := config.New()
	s := &Session{
		cfg:       cfg,
		log:       castlog.Nop(),
		ids:       identity.New(cfg.SenderNameBase),
		appConns:  make(map[string]*receiver.Controller),
		openConns: make(map[string]bool),
	}
	s.senderID = "sender-0-test"
	s.channel = ch
	s.recv = receiver.New(ch, s.ids, s.senderID, cfg.DefaultReceiverID, castlog.Nop())
	s.openConns[cfg.DefaultReceiverID] = true
	return s, fd
}

func TestEnsureAppLaunchesWhenNotRunning(t *testing.T) {
	s, _ := wired(t)

	ctrl, err := s.EnsureApp(context.Background(), "CC1AD845", 2*time.Second)
	if err != nil {
		t.Fatalf("EnsureApp: %v", err)
	}
	if ctrl == nil {
		t.Fatal("expected a non-nil app controller")
	}

	// A second call for the same app must reuse the cached controller
	// instead of launching again.
	again, err := s.EnsureApp(context.Background(), "CC1AD845", 2*time.Second)
	if err != nil {
		t.Fatalf("EnsureApp (second call): %v", err)
	}
	if again != ctrl {
		t.Fatal("expected EnsureApp to reuse the existing app controller")
	}
}

func TestCloseSendsCloseToEveryOpenSession(t *testing.T) {
	s, fd := wired(t)

	if _, err := s.EnsureApp(context.Background(), "CC1AD845", 2*time.Second); err != nil {
		t.Fatalf("EnsureApp: %v", err)
	}

	closes := make(chan string, 2)
	fd.onClose = func(destID string) { closes <- destID }

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case d := <-closes:
			seen[d] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for CLOSE #%d", i+1)
		}
	}
	if !seen["receiver-0"] {
		t.Fatal("expected a CLOSE to the default receiver")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s, _ := wired(t)
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

// fakeDevice mirrors receiver's fake device closely enough to answer
// GET_STATUS/LAUNCH and observe CLOSE for session-level tests without
// pulling in the receiver package's test file.
type fakeDevice struct {
	t       *testing.T
	conn    net.Conn
	onClose func(destID string)

	apps []codec.DeviceApplication
}

func newFakeDevice(t *testing.T, conn net.Conn) *fakeDevice {
	fd := &fakeDevice{t: t, conn: conn}
	go fd.serve()
	return fd
}

func (f *fakeDevice) serve() {
	for {
		env, err := codec.DecodeFrame(f.conn, 0)
		if err != nil {
			return
		}
		f.handle(env)
	}
}

func (f *fakeDevice) send(env *codec.Envelope) {
	if err := codec.EncodeFrame(f.conn, env, 0); err != nil {
		f.t.Logf("fakeDevice send failed (likely teardown): %v", err)
	}
}

func (f *fakeDevice) handle(env *codec.Envelope) {
	switch env.Namespace {
	case "urn:x-cast:com.google.cast.tp.connection":
		any_, _ := codec.ParseAny(env.PayloadUTF8)
		if any_.Type == "CLOSE" && f.onClose != nil {
			f.onClose(env.DestinationID)
		}
		return
	case "urn:x-cast:com.google.cast.receiver":
	default:
		return
	}

	any_, err := codec.ParseAny(env.PayloadUTF8)
	if err != nil || any_.RequestID == nil {
		return
	}
	requestID := *any_.RequestID

	switch any_.Type {
	case "GET_STATUS":
		f.replyStatus(env, requestID)
	case "LAUNCH":
		var req codec.LaunchPayload
		if err := codec.ParseStrict(env.PayloadUTF8, "", &req); err != nil {
			return
		}
		f.apps = append(f.apps, codec.DeviceApplication{
			AppID: req.AppID, SessionID: "session-" + req.AppID, TransportID: "transport-" + req.AppID,
		})
		f.replyStatus(env, requestID)
	}
}

func (f *fakeDevice) replyStatus(req *codec.Envelope, requestID int) {
	payload, _ := codec.Encode(&codec.ReceiverStatusPayload{
		Type: codec.TypeReceiverStatus, RequestID: &requestID,
		Status: codec.DeviceStatus{Applications: f.apps},
	})
	f.send(&codec.Envelope{
		ProtocolVersion: codec.CastV2_1_0, SourceID: "receiver-0", DestinationID: req.SourceID,
		Namespace: "urn:x-cast:com.google.cast.receiver", PayloadType: codec.PayloadText, PayloadUTF8: payload,
	})
}
