// Package router demultiplexes inbound radio text: protocol frames from
// whitelisted peers go to the federation engines, everything else goes
// through chunk reassembly into the command dispatcher.
package router

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/advbbs/advbbs/boardsync"
	"github.com/advbbs/advbbs/chunk"
	"github.com/advbbs/advbbs/command"
	"github.com/advbbs/advbbs/frame"
	"github.com/advbbs/advbbs/mail"
	"github.com/advbbs/advbbs/rap"
	"github.com/advbbs/advbbs/ratelimit"
	"github.com/advbbs/advbbs/store"
	"github.com/advbbs/advbbs/transport"
)

var log = logrus.WithField("prefix", "router")

// queueDepth bounds inbound buffering between the radio callback and the
// processing goroutine.
const queueDepth = 64

// Router owns the inbound path.
type Router struct {
	callsign   string
	bbsName    string
	st         *store.Store
	tr         transport.Transport
	limiter    *ratelimit.Limiter
	routes     *rap.Engine
	mailer     *mail.Engine
	boards     *boardsync.Engine
	dispatcher *command.Dispatcher
	assembler  *chunk.Reassembler

	queue chan transport.Inbound
}

func New(callsign, bbsName string, st *store.Store, tr transport.Transport, limiter *ratelimit.Limiter,
	routes *rap.Engine, mailer *mail.Engine, boards *boardsync.Engine, dispatcher *command.Dispatcher) *Router {
	return &Router{
		callsign:   strings.ToUpper(callsign),
		bbsName:    bbsName,
		st:         st,
		tr:         tr,
		limiter:    limiter,
		routes:     routes,
		mailer:     mailer,
		boards:     boards,
		dispatcher: dispatcher,
		assembler:  chunk.NewReassembler(0, 0),
		queue:      make(chan transport.Inbound, queueDepth),
	}
}

// Attach registers the router on the transport. The radio callback only
// enqueues; a full queue drops with a log line rather than blocking the
// radio thread.
func (r *Router) Attach() {
	r.tr.OnReceive(func(in transport.Inbound) {
		select {
		case r.queue <- in:
		default:
			log.WithField("node", in.Sender).Warn("inbound queue full, dropping frame")
		}
	})
}

// Run processes inbound traffic until ctx is canceled.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-r.queue:
			r.Process(ctx, in)
		}
	}
}

// Process handles one inbound text. Exported for tests and for transports
// that deliver synchronously.
func (r *Router) Process(ctx context.Context, in transport.Inbound) {
	if in.Sender == r.tr.NodeID() {
		return // our own broadcast echoed back
	}
	if frame.IsProtocol(in.Text) {
		r.processFrame(ctx, in)
		return
	}

	if err := r.st.TouchNode(in.Sender); err != nil {
		log.WithError(err).Debug("touching node")
	}
	payload, done := r.assembler.Add(in.Sender, in.Text)
	if !done {
		return
	}
	r.dispatcher.Handle(ctx, in.Sender, payload)
}

// processFrame enforces the peer whitelist, then walks the engines.
func (r *Router) processFrame(ctx context.Context, in transport.Inbound) {
	f, err := frame.Parse(in.Text)
	if err != nil {
		log.WithError(err).WithField("node", in.Sender).Debug("dropping bad frame")
		return
	}
	peer, err := r.st.GetPeer(in.Sender)
	if err != nil || !peer.Enabled {
		// Protocol traffic is peer-to-peer only; anything else is noise
		// or probing.
		log.WithFields(logrus.Fields{"node": in.Sender, "type": f.Type}).Warn("protocol frame from non-peer dropped")
		return
	}

	if f.Type == frame.TypeHello {
		r.handleHello(ctx, in.Sender, peer, f.Payload)
		return
	}
	// Any frame from a whitelisted peer is proof of life.
	r.markSeen(in.Sender)
	if f.Type == frame.TypeSyncAck {
		return
	}
	if r.routes.Handle(ctx, in.Sender, f) {
		return
	}
	if r.mailer.Handle(ctx, in.Sender, f) {
		return
	}
	if r.boards.Handle(ctx, in.Sender, f) {
		return
	}
	log.WithField("type", f.Type).Debug("unrouted frame type")
}

// handleHello refreshes the peer's announced identity and confirms.
func (r *Router) handleHello(ctx context.Context, nodeID string, peer *store.Peer, payload string) {
	info := frame.ParseHello(payload)
	if !strings.EqualFold(info.Callsign, peer.Callsign) {
		// A whitelisted node claiming another callsign is misconfigured
		// at best.
		log.WithFields(logrus.Fields{
			"node": nodeID, "claimed": info.Callsign, "expected": peer.Callsign,
		}).Warn("HELLO callsign mismatch, ignoring")
		return
	}
	err := r.st.UpdatePeer(nodeID, func(p *store.Peer) {
		p.Name = info.Name
		p.Capabilities = strings.Join(info.Capabilities, ",")
		p.Health = store.HealthAlive
		p.MissedHeartbeats = 0
		p.TotalMisses = 0
		p.LastSeenMicros = time.Now().UnixMicro()
	})
	if err != nil {
		log.WithError(err).Error("updating peer from HELLO")
		return
	}
	if err := r.limiter.Wait(ctx, ratelimit.ClassUnicast); err != nil {
		return
	}
	if err := r.tr.SendUnicast(ctx, nodeID, frame.Format(frame.TypeSyncAck, r.callsign)); err != nil {
		log.WithError(err).Warn("SYNC_ACK send failed")
	}
}

func (r *Router) markSeen(nodeID string) {
	err := r.st.UpdatePeer(nodeID, func(p *store.Peer) {
		p.Health = store.HealthAlive
		p.MissedHeartbeats = 0
		p.TotalMisses = 0
		p.LastSeenMicros = time.Now().UnixMicro()
	})
	if err != nil {
		log.WithError(err).Debug("marking peer seen")
	}
}

// Announce sends HELLO to every enabled peer, typically at startup.
func (r *Router) Announce(ctx context.Context) error {
	peers, err := r.st.ListPeers()
	if err != nil {
		return err
	}
	text := frame.Hello(r.callsign, r.bbsName, []string{"mail", "boards"})
	for _, p := range peers {
		if !p.Enabled {
			continue
		}
		if err := r.limiter.Wait(ctx, ratelimit.ClassUnicast); err != nil {
			return err
		}
		if err := r.tr.SendUnicast(ctx, p.NodeID, text); err != nil {
			log.WithError(err).WithField("peer", p.Callsign).Warn("HELLO send failed")
		}
	}
	return nil
}

// SweepChunks drops stalled command reassembly buffers.
func (r *Router) SweepChunks() int {
	return r.assembler.Sweep()
}
