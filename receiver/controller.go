package receiver

import (
	"context"
	"sync"
	"time"

	"github.com/castmaster/gocast/casterr"
	"github.com/castmaster/gocast/castlog"
	"github.com/castmaster/gocast/codec"
	"github.com/castmaster/gocast/identity"
	"github.com/castmaster/gocast/rpc"
	"github.com/castmaster/gocast/transport"
)

// Namespace is urn:x-cast:com.google.cast.receiver.
const Namespace = "urn:x-cast:com.google.cast.receiver"

// errorTypes are the effective types that signal a device-reported failure
// rather than a successful RECEIVER_STATUS/GET_APP_AVAILABILITY reply.
var errorTypes = map[string]bool{
	codec.TypeInvalidRequest: true,
	codec.TypeLaunchError:    true,
}

// Subscription is the handle returned by Controller.Subscribe; call
// Unsubscribe to stop receiving status broadcasts.
type Subscription struct {
	unsubscribe func()
}

// Unsubscribe removes the subscriber. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s != nil && s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// Controller issues typed operations against the receiver namespace and
// fans unsolicited status broadcasts out to subscribers. It operates on a
// single, already-established channel; discovering and selecting among
// multiple Cast devices is a caller concern handled by package discovery.
type Controller struct {
	channel  *transport.Channel
	ids      *identity.Namespace
	senderID string
	destID   string
	log      castlog.Logger
	limiter  *commandLimiter

	subMu sync.Mutex
	subs  []*subscriberEntry
}

type subscriberEntry struct {
	fn func(Status)
}

// New constructs a Controller bound to channel, talking to destID (usually
// identity.DefaultReceiverID, or an app's transport id) as senderID. It
// registers itself as a permanent listener on Namespace to catch
// unsolicited broadcasts.
func New(channel *transport.Channel, ids *identity.Namespace, senderID, destID string, log castlog.Logger) *Controller {
	if log == nil {
		log = castlog.Nop()
	}
	c := &Controller{
		channel:  channel,
		ids:      ids,
		senderID: senderID,
		destID:   destID,
		log:      log,
		limiter:  newCommandLimiter(),
	}
	channel.AddListener(transport.ListenerFuncs{OnMessage: c.onMessage}, Namespace)
	return c
}

// onMessage handles envelopes that arrive outside of any in-flight
// Requestor's correlation window: only unsolicited RECEIVER_STATUS
// broadcasts (no requestId) are meaningful here, since correlated replies
// are consumed directly by the Requestor each call registers for its own
// duration.
func (c *Controller) onMessage(env *codec.Envelope) {
	any_, err := codec.ParseAny(env.PayloadUTF8)
	if err != nil {
		c.log.Warnw("malformed receiver payload", "error", err)
		return
	}
	if any_.RequestID != nil {
		return
	}
	if any_.EffectiveType() != codec.TypeReceiverStatus {
		return
	}
	var wire codec.ReceiverStatusPayload
	if err := codec.ParseStrict(env.PayloadUTF8, "", &wire); err != nil {
		c.log.Warnw("malformed receiver status broadcast", "error", err)
		return
	}
	c.publish(translateStatus(wire.Status))
}

// Subscribe registers fn to be called with every unsolicited
// RECEIVER_STATUS broadcast, in arrival order. Statuses returned as replies
// to this Controller's own calls are not published to subscribers. The returned
// Subscription's Unsubscribe removes fn; a subscriber that is never
// unsubscribed is a leak.
func (c *Controller) Subscribe(fn func(Status)) *Subscription {
	entry := &subscriberEntry{fn: fn}
	c.subMu.Lock()
	c.subs = append(c.subs, entry)
	c.subMu.Unlock()

	return &Subscription{unsubscribe: func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, e := range c.subs {
			if e == entry {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}}
}

func (c *Controller) publish(status Status) {
	c.subMu.Lock()
	snapshot := append([]*subscriberEntry(nil), c.subs...)
	c.subMu.Unlock()

	for _, e := range snapshot {
		e.fn(status)
	}
}

// execute sends payload (already JSON-encoded by the caller with the
// caller-allocated requestID baked in) on Namespace, waits for the correlated
// reply, and returns its AnyPayload view plus the raw envelope for
// further, response-shape-specific parsing.
func (c *Controller) execute(ctx context.Context, payloadJSON string, timeout time.Duration, requestID int) (*codec.AnyPayload, *codec.Envelope, error) {
	env := &codec.Envelope{
		ProtocolVersion: codec.CastV2_1_0,
		SourceID:        c.senderID,
		DestinationID:   c.destID,
		Namespace:       Namespace,
		PayloadType:     codec.PayloadText,
		PayloadUTF8:     payloadJSON,
	}

	requestor := rpc.New(c.channel, Namespace, rpc.ByRequestID(requestID))
	reply, err := requestor.Request(ctx, env, timeout)
	if err != nil {
		return nil, nil, err
	}

	any_, err := codec.ParseAny(reply.PayloadUTF8)
	if err != nil {
		return nil, nil, err
	}
	return any_, reply, nil
}

// checkDeviceError converts an error-tagged effective type into a
// ProtocolError carrying that tag, or a generic "unexpected_type"
// ProtocolError if the effective type isn't wantType and isn't a known
// error tag either.
func checkDeviceError(any_ *codec.AnyPayload, wantType string) error {
	eff := any_.EffectiveType()
	if eff == wantType {
		return nil
	}
	if errorTypes[eff] {
		return casterr.Protocol(eff)
	}
	return casterr.Protocol("unexpected_type")
}

// GetStatus issues GET_STATUS and returns the resulting device status.
func (c *Controller) GetStatus(ctx context.Context, timeout time.Duration) (*Status, error) {
	id := c.ids.NextRequestID()
	payload, err := codec.Encode(&codec.GetStatusPayload{Type: codec.TypeGetStatus, RequestID: id})
	if err != nil {
		return nil, err
	}
	any_, env, err := c.execute(ctx, payload, timeout, id)
	if err != nil {
		return nil, err
	}
	if err := checkDeviceError(any_, codec.TypeReceiverStatus); err != nil {
		return nil, err
	}
	var wire codec.ReceiverStatusPayload
	if err := codec.ParseStrict(env.PayloadUTF8, "", &wire); err != nil {
		return nil, err
	}
	status := translateStatus(wire.Status)
	return &status, nil
}

// Launch issues LAUNCH for appID and returns the resulting device status.
// Fails with ProtocolError("LAUNCH_ERROR") or ProtocolError("INVALID_REQUEST")
// if the device rejects the launch.
func (c *Controller) Launch(ctx context.Context, appID string, timeout time.Duration) (*Status, error) {
	if err := c.limiter.wait(ctx); err != nil {
		return nil, casterr.Interruptedf("%v", err)
	}
	id := c.ids.NextRequestID()
	payload, err := codec.Encode(&codec.LaunchPayload{Type: codec.TypeLaunch, RequestID: id, AppID: appID})
	if err != nil {
		return nil, err
	}
	any_, env, err := c.execute(ctx, payload, timeout, id)
	if err != nil {
		return nil, err
	}
	if err := checkDeviceError(any_, codec.TypeReceiverStatus); err != nil {
		return nil, err
	}
	var wire codec.ReceiverStatusPayload
	if err := codec.ParseStrict(env.PayloadUTF8, "", &wire); err != nil {
		return nil, err
	}
	status := translateStatus(wire.Status)
	return &status, nil
}

// Stop issues STOP for sessionID and returns the resulting device status.
func (c *Controller) Stop(ctx context.Context, sessionID string, timeout time.Duration) (*Status, error) {
	if err := c.limiter.wait(ctx); err != nil {
		return nil, casterr.Interruptedf("%v", err)
	}
	id := c.ids.NextRequestID()
	payload, err := codec.Encode(&codec.StopPayload{Type: codec.TypeStop, RequestID: id, SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	any_, env, err := c.execute(ctx, payload, timeout, id)
	if err != nil {
		return nil, err
	}
	if err := checkDeviceError(any_, codec.TypeReceiverStatus); err != nil {
		return nil, err
	}
	var wire codec.ReceiverStatusPayload
	if err := codec.ParseStrict(env.PayloadUTF8, "", &wire); err != nil {
		return nil, err
	}
	status := translateStatus(wire.Status)
	return &status, nil
}

// SetVolumeLevel issues SET_VOLUME with the given level, rejected before
// transmission if outside [0.0, 1.0].
func (c *Controller) SetVolumeLevel(ctx context.Context, level float64, timeout time.Duration) (*Status, error) {
	if level < 0.0 || level > 1.0 {
		return nil, casterr.Protocolf("volume level %f out of range [0.0, 1.0]", level)
	}
	if err := c.limiter.wait(ctx); err != nil {
		return nil, casterr.Interruptedf("%v", err)
	}
	id := c.ids.NextRequestID()
	payload, err := codec.Encode(&codec.SetVolumePayload{
		Type:      codec.TypeSetVolume,
		RequestID: id,
		Volume:    codec.VolumeRequest{Level: &level},
	})
	if err != nil {
		return nil, err
	}
	return c.finishVolumeCall(ctx, payload, id, timeout)
}

// SetMuted issues SET_VOLUME with the given muted flag.
func (c *Controller) SetMuted(ctx context.Context, muted bool, timeout time.Duration) (*Status, error) {
	if err := c.limiter.wait(ctx); err != nil {
		return nil, casterr.Interruptedf("%v", err)
	}
	id := c.ids.NextRequestID()
	payload, err := codec.Encode(&codec.SetVolumePayload{
		Type:      codec.TypeSetVolume,
		RequestID: id,
		Volume:    codec.VolumeRequest{Muted: &muted},
	})
	if err != nil {
		return nil, err
	}
	return c.finishVolumeCall(ctx, payload, id, timeout)
}

func (c *Controller) finishVolumeCall(ctx context.Context, payload string, id int, timeout time.Duration) (*Status, error) {
	any_, env, err := c.execute(ctx, payload, timeout, id)
	if err != nil {
		return nil, err
	}
	if err := checkDeviceError(any_, codec.TypeReceiverStatus); err != nil {
		return nil, err
	}
	var wire codec.ReceiverStatusPayload
	if err := codec.ParseStrict(env.PayloadUTF8, "", &wire); err != nil {
		return nil, err
	}
	status := translateStatus(wire.Status)
	return &status, nil
}

// AppAvailability issues GET_APP_AVAILABILITY for the given app ids and
// returns the device's availability map.
func (c *Controller) AppAvailability(ctx context.Context, appIDs []string, timeout time.Duration) (map[string]AppAvailability, error) {
	id := c.ids.NextRequestID()
	payload, err := codec.Encode(&codec.GetAppAvailabilityPayload{
		Type:      codec.TypeGetAppAvailability,
		RequestID: id,
		AppID:     appIDs,
	})
	if err != nil {
		return nil, err
	}
	any_, env, err := c.execute(ctx, payload, timeout, id)
	if err != nil {
		return nil, err
	}
	if err := checkDeviceError(any_, codec.TypeGetAppAvailability); err != nil {
		return nil, err
	}
	var wire codec.GetAppAvailabilityResponsePayload
	if err := codec.ParseStrict(env.PayloadUTF8, "", &wire); err != nil {
		return nil, err
	}
	return wire.Availability, nil
}
