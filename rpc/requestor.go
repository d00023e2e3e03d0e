// Package rpc implements a short-lived, single-use request/response
// coordinator bound to one namespace for the lifetime of exactly one call.
// Each call gets its own Requestor with its own result channel instead of a
// process-wide map keyed by sequence number, since Cast v2 correlates
// replies by a requestId carried inside the JSON payload rather than by a
// wire-level sequence number.
package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/castmaster/gocast/casterr"
	"github.com/castmaster/gocast/codec"
	"github.com/castmaster/gocast/transport"
)

// Correlator decides whether an inbound envelope on the bound namespace is
// the reply to this Requestor's outstanding call.
type Correlator func(env *codec.Envelope) bool

// ByRequestID builds the text/correlated Correlator: a match requires the
// envelope's payload to carry the given requestId. Envelopes with no
// requestId (unsolicited broadcasts) or a different one are ignored,
// tolerating out-of-order responses.
func ByRequestID(requestID int) Correlator {
	return func(env *codec.Envelope) bool {
		any_, err := codec.ParseAny(env.PayloadUTF8)
		if err != nil {
			return false
		}
		return any_.RequestID != nil && *any_.RequestID == requestID
	}
}

// AlwaysCorrelated builds the binary/uncorrelated Correlator used for
// handshakes that don't echo an id: the very next message on the namespace
// is treated as the reply, regardless of content. Safe only when nothing
// else shares the namespace for the duration of the call.
func AlwaysCorrelated() Correlator {
	return func(env *codec.Envelope) bool { return true }
}

// Requestor is a single-shot request/response coordinator for one
// namespace. It is not reusable for a second call; issue a fresh Requestor
// per call. Concurrent calls use distinct Requestor instances — the
// request-ID counter in package identity guarantees their ids don't
// collide.
type Requestor struct {
	channel    *transport.Channel
	namespace  string
	correlator Correlator

	mu       sync.Mutex
	resultCh chan result
	done     bool
}

type result struct {
	env *codec.Envelope
	err error
}

// New builds a Requestor bound to namespace on channel, matching replies
// with correlator.
func New(channel *transport.Channel, namespace string, correlator Correlator) *Requestor {
	return &Requestor{
		channel:    channel,
		namespace:  namespace,
		correlator: correlator,
		resultCh:   make(chan result, 1),
	}
}

// MessageReceived implements transport.Listener. Non-matching envelopes are
// ignored so out-of-order responses to other calls don't wake this one.
func (r *Requestor) MessageReceived(env *codec.Envelope) {
	if !r.correlator(env) {
		return
	}
	r.complete(result{env: env})
}

// SocketError implements transport.Listener.
func (r *Requestor) SocketError(err error) {
	r.complete(result{err: casterr.IOf("channel closed while awaiting reply: %v", err)})
}

func (r *Requestor) complete(res result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	r.resultCh <- res
}

// Request sends env on the bound channel/namespace and waits up to timeout
// for a correlated reply. The listener is always deregistered before
// Request returns, success or failure. A timeout of zero fails immediately
// with Timeout.
func (r *Requestor) Request(ctx context.Context, env *codec.Envelope, timeout time.Duration) (*codec.Envelope, error) {
	r.channel.AddListener(r, r.namespace)
	defer r.channel.RemoveListener(r)

	if timeout <= 0 {
		return nil, casterr.Timeoutf("request timeout of %s elapsed before send", timeout)
	}

	if err := r.channel.Send(env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-r.resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.env, nil
	case <-timer.C:
		return nil, casterr.Timeoutf("no reply on %s within %s", r.namespace, timeout)
	case <-ctx.Done():
		return nil, casterr.Interruptedf("%v", ctx.Err())
	}
}
