// Package transport defines the contract the BBS consumes from the radio
// driver: unicast text, awaited-ack unicast, broadcast, and an inbound
// callback. The driver itself lives outside this module.
package transport

import (
	"context"
	"time"
)

// Inbound is one received text frame.
type Inbound struct {
	Sender  string
	Channel int
	Text    string
}

// Handler consumes inbound frames. Drivers invoke it from their own receive
// goroutine; implementations must not block it for long.
type Handler func(Inbound)

// Transport is the radio contract.
type Transport interface {
	// NodeID returns our own radio node identifier.
	NodeID() string

	// SendUnicast queues a text frame to a node and returns once the
	// radio has accepted it.
	SendUnicast(ctx context.Context, nodeID, text string) error

	// SendUnicastAwaitAck sends and waits for the mesh-level ACK.
	// delivered is false on NAK or timeout; detail carries the reason.
	SendUnicastAwaitAck(ctx context.Context, nodeID, text string, timeout time.Duration) (delivered bool, detail string, err error)

	// Broadcast sends a text frame on a channel.
	Broadcast(ctx context.Context, channel int, text string) error

	// OnReceive registers the inbound handler.
	OnReceive(h Handler)
}

// AckSignal is a one-shot handoff for mesh-level ACKs. Radio libraries
// deliver ACK callbacks on their own threads; Resolve never blocks that
// thread, and Wait consumes the outcome from cooperative context. Blocking
// the radio callback until a waiter wakes caused systematic 30 s phantom
// timeouts in an earlier transport; this primitive exists so that cannot
// recur.
type AckSignal struct {
	ch chan ackOutcome
}

type ackOutcome struct {
	delivered bool
	detail    string
}

func NewAckSignal() *AckSignal {
	return &AckSignal{ch: make(chan ackOutcome, 1)}
}

// Resolve records the outcome. Safe to call from any thread; extra calls
// after the first are dropped.
func (a *AckSignal) Resolve(delivered bool, detail string) {
	select {
	case a.ch <- ackOutcome{delivered: delivered, detail: detail}:
	default:
	}
}

// Wait blocks until the outcome arrives, the timeout passes, or ctx is
// canceled.
func (a *AckSignal) Wait(ctx context.Context, timeout time.Duration) (delivered bool, detail string, err error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-a.ch:
		return out.delivered, out.detail, nil
	case <-timer.C:
		return false, "TIMEOUT", nil
	case <-ctx.Done():
		return false, "", ctx.Err()
	}
}
