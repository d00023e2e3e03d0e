// Package identity produces the two pieces of per-sender state this module
// needs: the sender-identity string and the monotonic request-ID counter.
// Both come from an explicit Namespace value rather than hidden package
// globals, so tests can instantiate independent sessions without
// interfering with each other. A Namespace keeps the sender-name base and
// the counter; each SenderID call generates a fresh identity, which the
// caller keeps.
package identity

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultReceiverID is the destination used for receiver-namespace requests
// until a specific application's transport ID is known.
const DefaultReceiverID = "receiver-0"

// Namespace generates sender identities and allocates request IDs for one
// logical sender (one process, one Session in the common case).
type Namespace struct {
	senderBase string
	counter    atomic.Uint32
}

// New creates a Namespace with the given sender-name base (e.g. "sender-0").
// The counter starts such that the first NextRequestID() call returns 1.
func New(senderBase string) *Namespace {
	return &Namespace{senderBase: senderBase}
}

// SenderID returns a freshly generated "<base>-<uuid>" identity. Called once
// per process/session at startup; the result should be cached by the caller.
func (n *Namespace) SenderID() string {
	return n.senderBase + "-" + uuid.NewString()
}

// NextRequestID returns the next request ID: strictly monotone, non-zero,
// wrapping 0xFFFFFFFF back to 1 (never to 0, which is reserved as "unset").
func (n *Namespace) NextRequestID() int {
	for {
		v := n.counter.Add(1)
		if v != 0 {
			return int(v)
		}
		// Wrapped exactly to 0 — skip it and take the next value.
	}
}
