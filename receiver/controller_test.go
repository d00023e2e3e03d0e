package receiver

import (
	"context"
	"errors"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/castmaster/gocast/casterr"
	"github.com/castmaster/gocast/castlog"
	"github.com/castmaster/gocast/codec"
	"github.com/castmaster/gocast/heartbeat"
	"github.com/castmaster/gocast/identity"
	"github.com/castmaster/gocast/transport"
)

const (
	testSenderID = "sender-0-test"
	testDeviceID = "receiver-0"
)

// fakeDevice is an in-process stand-in for a Cast receiver: a goroutine
// reads frames off one end of a net.Pipe and answers according to simple
// scripted state.
type fakeDevice struct {
	t    *testing.T
	conn net.Conn

	mu                sync.Mutex
	status            codec.DeviceStatus
	withholdGetStatus bool
	launchErrorFor    string
	invalidStop       bool
}

func newFakeDevice(t *testing.T, conn net.Conn) *fakeDevice {
	fd := &fakeDevice{
		t:    t,
		conn: conn,
		status: codec.DeviceStatus{
			Applications: nil,
			Volume:       codec.DeviceVolume{ControlType: "attenuation", Level: 0.5, Muted: false, StepInterval: 0.05},
		},
	}
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
		f.t.Logf("fakeDevice send failed (likely test teardown): %v", err)
	}
}

func (f *fakeDevice) handle(env *codec.Envelope) {
	if env.Namespace != Namespace {
		return
	}
	any_, err := codec.ParseAny(env.PayloadUTF8)
	if err != nil || any_.RequestID == nil {
		return
	}
	requestID := *any_.RequestID

	f.mu.Lock()
	defer f.mu.Unlock()

	switch any_.Type {
	case codec.TypeGetStatus:
		if f.withholdGetStatus {
			return
		}
		f.replyStatusLocked(env, requestID)

	case codec.TypeLaunch:
		var req codec.LaunchPayload
		if err := codec.ParseStrict(env.PayloadUTF8, "", &req); err != nil {
			return
		}
		if f.launchErrorFor == req.AppID {
			f.send(typedError(env, requestID, codec.TypeLaunchError))
			return
		}
		f.status.Applications = append(f.status.Applications, codec.DeviceApplication{
			AppID:       req.AppID,
			DisplayName: req.AppID + " app",
			SessionID:   "session-" + req.AppID,
			TransportID: "transport-" + req.AppID,
			StatusText:  "running",
		})
		f.replyStatusLocked(env, requestID)

	case codec.TypeStop:
		var req codec.StopPayload
		if err := codec.ParseStrict(env.PayloadUTF8, "", &req); err != nil {
			return
		}
		if f.invalidStop {
			f.send(typedError(env, requestID, codec.TypeInvalidRequest))
			return
		}
		filtered := f.status.Applications[:0]
		for _, a := range f.status.Applications {
			if a.SessionID != req.SessionID {
				filtered = append(filtered, a)
			}
		}
		f.status.Applications = filtered
		f.replyStatusLocked(env, requestID)

	case codec.TypeSetVolume:
		var req codec.SetVolumePayload
		if err := codec.ParseStrict(env.PayloadUTF8, "", &req); err != nil {
			return
		}
		if req.Volume.Level != nil {
			f.status.Volume.Level = roundToStep(*req.Volume.Level, f.status.Volume.StepInterval)
		}
		if req.Volume.Muted != nil {
			f.status.Volume.Muted = *req.Volume.Muted
		}
		f.replyStatusLocked(env, requestID)

	case codec.TypeGetAppAvailability:
		var req codec.GetAppAvailabilityPayload
		if err := codec.ParseStrict(env.PayloadUTF8, "", &req); err != nil {
			return
		}
		avail := make(map[string]codec.AppAvailability, len(req.AppID))
		for _, id := range req.AppID {
			avail[id] = codec.AppAvailable
		}
		payload, _ := codec.Encode(&codec.GetAppAvailabilityResponsePayload{
			Type: codec.TypeGetAppAvailability, RequestID: requestID, Availability: avail,
		})
		f.send(&codec.Envelope{
			ProtocolVersion: codec.CastV2_1_0, SourceID: testDeviceID, DestinationID: env.SourceID,
			Namespace: Namespace, PayloadType: codec.PayloadText, PayloadUTF8: payload,
		})
	}
}

func (f *fakeDevice) replyStatusLocked(req *codec.Envelope, requestID int) {
	payload, _ := codec.Encode(&codec.ReceiverStatusPayload{
		Type: codec.TypeReceiverStatus, RequestID: &requestID, Status: f.status,
	})
	f.send(&codec.Envelope{
		ProtocolVersion: codec.CastV2_1_0, SourceID: testDeviceID, DestinationID: req.SourceID,
		Namespace: Namespace, PayloadType: codec.PayloadText, PayloadUTF8: payload,
	})
}

// pushBroadcast sends an unsolicited RECEIVER_STATUS with no requestId.
func (f *fakeDevice) pushBroadcast(to string) {
	f.mu.Lock()
	status := f.status
	f.mu.Unlock()

	payload, _ := codec.Encode(&codec.ReceiverStatusPayload{Type: codec.TypeReceiverStatus, Status: status})
	f.send(&codec.Envelope{
		ProtocolVersion: codec.CastV2_1_0, SourceID: testDeviceID, DestinationID: to,
		Namespace: Namespace, PayloadType: codec.PayloadText, PayloadUTF8: payload,
	})
}

func typedError(req *codec.Envelope, requestID int, errType string) *codec.Envelope {
	payload, _ := codec.Encode(&codec.ErrorPayload{Type: errType, RequestID: &requestID})
	return &codec.Envelope{
		ProtocolVersion: codec.CastV2_1_0, SourceID: testDeviceID, DestinationID: req.SourceID,
		Namespace: Namespace, PayloadType: codec.PayloadText, PayloadUTF8: payload,
	}
}

func roundToStep(level, step float64) float64 {
	if step <= 0 {
		return level
	}
	// Divide by the whole number of steps per unit instead of multiplying by
	// step, so 7 steps of 0.05 comes out as exactly 0.35 rather than
	// 0.35000000000000003.
	perUnit := math.Round(1 / step)
	return math.Round(level*perUnit) / perUnit
}

func newTestController(t *testing.T) (*Controller, *fakeDevice, *transport.Channel) {
	t.Helper()
	clientConn, deviceConn := net.Pipe()
	ch := transport.NewFromConn(clientConn, 0, castlog.Nop())
	fd := newFakeDevice(t, deviceConn)
	t.Cleanup(func() { ch.Close(); deviceConn.Close() })

	ids := identity.New("sender-0")
	ctrl := New(ch, ids, testSenderID, testDeviceID, castlog.Nop())
	return ctrl, fd, ch
}

func TestHappyLaunchAndStop(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	ctx := context.Background()

	avail, err := ctrl.AppAvailability(ctx, []string{"CC1AD845"}, 2*time.Second)
	if err != nil {
		t.Fatalf("AppAvailability: %v", err)
	}
	if avail["CC1AD845"] != Available {
		t.Fatalf("got availability %v", avail["CC1AD845"])
	}

	status, err := ctrl.Launch(ctx, "CC1AD845", 5*time.Second)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	app, ok := status.FindApplication("CC1AD845")
	if !ok {
		t.Fatal("launched app not found in status")
	}
	if app.SessionID == "" {
		t.Fatal("expected non-empty session id")
	}

	status, err = ctrl.Stop(ctx, app.SessionID, 5*time.Second)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(status.Applications) != 0 {
		t.Fatalf("expected zero applications after stop, got %d", len(status.Applications))
	}
}

func TestVolumeRoundTrip(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	ctx := context.Background()

	status, err := ctrl.SetVolumeLevel(ctx, 0.37, 2*time.Second)
	if err != nil {
		t.Fatalf("SetVolumeLevel: %v", err)
	}
	if status.Volume.Level != 0.35 && status.Volume.Level != 0.40 {
		t.Fatalf("expected level snapped to step, got %f", status.Volume.Level)
	}

	status, err = ctrl.SetMuted(ctx, true, 2*time.Second)
	if err != nil {
		t.Fatalf("SetMuted: %v", err)
	}
	if !status.Volume.Muted {
		t.Fatal("expected muted=true")
	}
}

func TestGetStatusTimeout(t *testing.T) {
	ctrl, fd, ch := newTestController(t)
	fd.mu.Lock()
	fd.withholdGetStatus = true
	fd.mu.Unlock()

	start := time.Now()
	_, err := ctrl.GetStatus(context.Background(), 200*time.Millisecond)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected Timeout error")
	}
	if !errors.Is(err, casterr.ErrTimeout) {
		t.Fatalf("expected Timeout error, got %v", err)
	}
	if elapsed > 400*time.Millisecond {
		t.Fatalf("timeout fired too late: %s", elapsed)
	}
	_ = ch
}

func TestUnsolicitedStatusFansOutToSubscribers(t *testing.T) {
	ctrl, fd, _ := newTestController(t)

	var mu sync.Mutex
	var receivedA, receivedB []Status
	doneA := make(chan struct{}, 1)
	doneB := make(chan struct{}, 1)

	subA := ctrl.Subscribe(func(s Status) {
		mu.Lock()
		receivedA = append(receivedA, s)
		mu.Unlock()
		select {
		case doneA <- struct{}{}:
		default:
		}
	})
	defer subA.Unsubscribe()

	subB := ctrl.Subscribe(func(s Status) {
		mu.Lock()
		receivedB = append(receivedB, s)
		mu.Unlock()
		select {
		case doneB <- struct{}{}:
		default:
		}
	})
	defer subB.Unsubscribe()

	fd.pushBroadcast(testSenderID)

	<-doneA
	<-doneB

	mu.Lock()
	defer mu.Unlock()
	if len(receivedA) != 1 || len(receivedB) != 1 {
		t.Fatalf("expected exactly one delivery per subscriber, got %d and %d", len(receivedA), len(receivedB))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctrl, fd, _ := newTestController(t)

	var calls int
	var mu sync.Mutex
	sub := ctrl.Subscribe(func(s Status) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	sub.Unsubscribe()

	fd.pushBroadcast(testSenderID)
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %d", calls)
	}
}

func TestLaunchErrorSurfacesProtocolErrorTag(t *testing.T) {
	ctrl, fd, _ := newTestController(t)
	fd.mu.Lock()
	fd.launchErrorFor = "BAD_APP"
	fd.mu.Unlock()

	_, err := ctrl.Launch(context.Background(), "BAD_APP", 2*time.Second)
	if err == nil {
		t.Fatal("expected an error")
	}
	tag, ok := tagOf(err)
	if !ok || tag != codec.TypeLaunchError {
		t.Fatalf("expected tag %q, got %q (ok=%v)", codec.TypeLaunchError, tag, ok)
	}
}

func TestSetVolumeLevelOutOfRangeRejectedBeforeSend(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	if _, err := ctrl.SetVolumeLevel(context.Background(), 1.5, time.Second); err == nil {
		t.Fatal("expected rejection for out-of-range level")
	}
	if _, err := ctrl.SetVolumeLevel(context.Background(), -0.1, time.Second); err == nil {
		t.Fatal("expected rejection for negative level")
	}
}

// TestWatchdogExpiryFailsPendingCallWithIoError wires a real
// heartbeat.Heartbeat onto the same channel the controller sends over. The
// fake device never answers a heartbeat PING, so the watchdog trips well
// before the GetStatus call's own (much longer) timeout would, and the
// resulting channel teardown must wake the pending call with IoError rather
// than leaving it to expire on its own timer.
func TestWatchdogExpiryFailsPendingCallWithIoError(t *testing.T) {
	ctrl, fd, ch := newTestController(t)
	fd.mu.Lock()
	fd.withholdGetStatus = true
	fd.mu.Unlock()

	hb := heartbeat.New(ch, testSenderID, testDeviceID, 20*time.Millisecond, 80*time.Millisecond, castlog.Nop(), nil)
	hb.Start()
	defer hb.Stop()

	start := time.Now()
	_, err := ctrl.GetStatus(context.Background(), 5*time.Second)
	elapsed := time.Since(start)

	if !errors.Is(err, casterr.ErrIoError) {
		t.Fatalf("expected IoError once the watchdog tripped the channel, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("watchdog-triggered failure arrived too late: %s", elapsed)
	}
}

// tagOf walks err's Unwrap chain for the first error with a Tag() method,
// the same lookup casterr.TagOf performs.
func tagOf(err error) (string, bool) {
	type tagger interface{ Tag() string }
	for err != nil {
		if t, ok := err.(tagger); ok {
			return t.Tag(), true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return "", false
}
