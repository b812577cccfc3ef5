// Package rap implements the routing-and-peering engine: distance-vector
// route exchange over RAP_PING/RAP_PONG/RAP_ROUTES frames plus peer health
// tracking.
package rap

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/advbbs/advbbs/frame"
	"github.com/advbbs/advbbs/ratelimit"
	"github.com/advbbs/advbbs/store"
	"github.com/advbbs/advbbs/transport"
)

var log = logrus.WithField("prefix", "rap")

const (
	// DefaultMaxHops bounds route propagation. Advertisements beyond this
	// are dropped.
	DefaultMaxHops = 5

	// DefaultRouteTTL is how long a learned route lives without refresh.
	DefaultRouteTTL = 48 * time.Hour

	// DefaultUnreachableThreshold is the consecutive misses an alive peer
	// survives; DefaultDeadThreshold counts total misses. A peer never
	// heard from goes unreachable on its first miss regardless.
	DefaultUnreachableThreshold = 2
	DefaultDeadThreshold        = 5

	qualityDecay = 0.8
	qualityGain  = 0.2
)

// Engine answers pings, digests advertised route tables, and keeps peer
// health current.
type Engine struct {
	callsign         string
	st               *store.Store
	tr               transport.Transport
	limiter          *ratelimit.Limiter
	maxHops          int
	routeTTL         time.Duration
	unreachableAfter int
	deadAfter        int
	now              func() time.Time

	mu      sync.Mutex
	pending map[string]int64 // nodeID -> ping ts (us) awaiting PONG
}

func New(callsign string, st *store.Store, tr transport.Transport, limiter *ratelimit.Limiter) *Engine {
	return &Engine{
		callsign:         strings.ToUpper(callsign),
		st:               st,
		tr:               tr,
		limiter:          limiter,
		maxHops:          DefaultMaxHops,
		routeTTL:         DefaultRouteTTL,
		unreachableAfter: DefaultUnreachableThreshold,
		deadAfter:        DefaultDeadThreshold,
		now:              time.Now,
		pending:          make(map[string]int64),
	}
}

// Callsign returns the local BBS callsign (uppercase).
func (e *Engine) Callsign() string { return e.callsign }

// Configure overrides the hop ceiling, route lifetime, and health
// thresholds. Zero values keep the defaults.
func (e *Engine) Configure(maxHops int, routeTTL time.Duration, unreachableAfter, deadAfter int) {
	if maxHops > 0 {
		e.maxHops = maxHops
	}
	if routeTTL > 0 {
		e.routeTTL = routeTTL
	}
	if unreachableAfter > 0 {
		e.unreachableAfter = unreachableAfter
	}
	if deadAfter > 0 {
		e.deadAfter = deadAfter
	}
}

// Handle dispatches one RAP frame from a whitelisted peer. Returns false if
// the frame type is not a RAP type.
func (e *Engine) Handle(ctx context.Context, sender string, f *frame.Frame) bool {
	switch f.Type {
	case frame.TypeRAPPing:
		e.handlePing(ctx, sender, f.Payload)
	case frame.TypeRAPPong:
		e.handlePong(sender, f.Payload)
	case frame.TypeRAPRoutes:
		e.handleRoutes(sender, f.Payload)
	default:
		return false
	}
	return true
}

// handlePing answers with our own route table and marks the peer alive. The
// echoed timestamp lets the pinger measure RTT.
func (e *Engine) handlePing(ctx context.Context, sender, payload string) {
	e.markAlive(sender, 0)
	ts, _ := strconv.ParseInt(payload, 10, 64)
	table, err := e.OwnTable()
	if err != nil {
		log.WithError(err).Error("building route table for pong")
		return
	}
	for _, text := range frame.RAPPongFrames(ts, table) {
		if err := e.send(ctx, sender, text); err != nil {
			log.WithError(err).WithField("peer", sender).Warn("pong send failed")
			return
		}
	}
}

// handlePong closes the pending ping (measuring RTT), revives the peer, and
// merges the advertised table.
func (e *Engine) handlePong(sender, payload string) {
	pingTs, table := frame.ParseRAPPong(payload)

	e.mu.Lock()
	sent, awaited := e.pending[sender]
	delete(e.pending, sender)
	e.mu.Unlock()

	var rtt int64
	if awaited && pingTs == sent {
		rtt = e.now().UnixMicro() - sent
	}
	e.markAlive(sender, rtt)
	e.mergeTable(sender, table)
}

func (e *Engine) handleRoutes(sender, payload string) {
	e.markAlive(sender, 0)
	e.mergeTable(sender, frame.ParseRouteTable(payload))
}

// markAlive resets the miss counters and nudges quality upward. Any frame
// from a peer proves reachability, so even a dead peer comes back here.
func (e *Engine) markAlive(nodeID string, rttMicros int64) {
	now := e.now().UnixMicro()
	err := e.st.UpdatePeer(nodeID, func(p *store.Peer) {
		if p.Health != store.HealthAlive {
			log.WithFields(logrus.Fields{"peer": p.Callsign, "was": p.Health}).Info("peer alive")
		}
		p.Health = store.HealthAlive
		p.MissedHeartbeats = 0
		p.TotalMisses = 0
		p.LastSeenMicros = now
		if rttMicros > 0 {
			p.LastRTTMicros = rttMicros
		}
		p.Quality = min(1.0, p.Quality+qualityGain*(1.0-p.Quality))
	})
	if err != nil {
		log.WithError(err).WithField("node", nodeID).Debug("markAlive on unknown peer")
	}
}

// mergeTable applies a peer's advertised routes using the distance-vector
// install rules: hop+1 within bounds, and install when the destination is
// new, strictly closer, or equally close with better quality. A re-advert
// from the current next hop always refreshes expiry.
func (e *Engine) mergeTable(senderNode string, entries []frame.RouteEntry) {
	peer, err := e.st.GetPeer(senderNode)
	if err != nil {
		log.WithError(err).WithField("node", senderNode).Warn("route table from unknown peer")
		return
	}
	now := e.now()
	expires := now.Add(e.routeTTL).UnixMicro()

	for _, entry := range entries {
		dest := strings.ToUpper(entry.Callsign)
		if dest == e.callsign {
			continue
		}
		hop := entry.Hop + 1
		if hop > e.maxHops {
			continue
		}
		quality := entry.Quality * peer.Quality

		existing, err := e.st.GetRoute(dest)
		install := false
		switch {
		case err != nil:
			install = true
		case existing.NextHopNode == senderNode:
			// Current next hop re-advertising: take its word even if the
			// path got longer, and refresh expiry.
			install = true
		case hop < existing.HopCount:
			install = true
		case hop == existing.HopCount && quality > existing.Quality:
			install = true
		}
		if !install {
			continue
		}
		err = e.st.PutRoute(&store.Route{
			Dest:          dest,
			NextHopNode:   senderNode,
			HopCount:      hop,
			Quality:       quality,
			LearnedMicros: now.UnixMicro(),
			ExpiresMicros: expires,
		})
		if err != nil {
			log.WithError(err).WithField("dest", dest).Error("route install failed")
		}
	}
}

// OwnTable builds the table we advertise: ourselves at hop 0, then every
// live learned route.
func (e *Engine) OwnTable() ([]frame.RouteEntry, error) {
	routes, err := e.st.ListRoutes()
	if err != nil {
		return nil, err
	}
	table := []frame.RouteEntry{{Callsign: e.callsign, Hop: 0, Quality: 1.0}}
	now := e.now().UnixMicro()
	for _, r := range routes {
		if r.ExpiresMicros > 0 && r.ExpiresMicros < now {
			continue
		}
		table = append(table, frame.RouteEntry{Callsign: r.Dest, Hop: r.HopCount, Quality: r.Quality})
	}
	return table, nil
}

// NextHop resolves the direct peer for a destination callsign. Routes whose
// next hop is dead or disabled do not count.
func (e *Engine) NextHop(dest string) (*store.Peer, *store.Route, error) {
	route, err := e.st.GetRoute(dest)
	if err != nil {
		return nil, nil, err
	}
	peer, err := e.st.GetPeer(route.NextHopNode)
	if err != nil {
		return nil, nil, err
	}
	if !peer.Enabled || peer.Health == store.HealthDead {
		return nil, nil, store.ErrNotFound
	}
	return peer, route, nil
}

// Heartbeat runs one heartbeat round: unanswered pings from the previous
// round count as misses, then every enabled peer is pinged again. Dead peers
// keep getting pinged; a single PONG revives them.
func (e *Engine) Heartbeat(ctx context.Context) error {
	e.sweepMisses()

	peers, err := e.st.ListPeers()
	if err != nil {
		return err
	}
	for _, p := range peers {
		if !p.Enabled {
			continue
		}
		// Register before sending: the PONG can arrive while the send is
		// still in flight.
		ts := e.now().UnixMicro()
		e.mu.Lock()
		e.pending[p.NodeID] = ts
		e.mu.Unlock()
		if err := e.send(ctx, p.NodeID, frame.RAPPing(ts)); err != nil {
			log.WithError(err).WithField("peer", p.Callsign).Warn("ping send failed")
			e.mu.Lock()
			delete(e.pending, p.NodeID)
			e.mu.Unlock()
		}
	}
	return nil
}

// sweepMisses charges every still-pending ping as a missed heartbeat and
// advances the health state machine.
func (e *Engine) sweepMisses() {
	e.mu.Lock()
	missed := make([]string, 0, len(e.pending))
	for nodeID := range e.pending {
		missed = append(missed, nodeID)
	}
	e.pending = make(map[string]int64)
	e.mu.Unlock()

	for _, nodeID := range missed {
		var wentDead bool
		err := e.st.UpdatePeer(nodeID, func(p *store.Peer) {
			p.MissedHeartbeats++
			p.TotalMisses++
			p.Quality = max(0.0, p.Quality*qualityDecay)
			switch {
			case p.TotalMisses >= e.deadAfter:
				if p.Health != store.HealthDead {
					wentDead = true
				}
				p.Health = store.HealthDead
			case p.Health == store.HealthUnknown:
				// A peer that has never answered gets no grace misses.
				p.Health = store.HealthUnreachable
			case p.MissedHeartbeats >= e.unreachableAfter:
				p.Health = store.HealthUnreachable
			}
			if p.Health != store.HealthAlive {
				log.WithFields(logrus.Fields{
					"peer": p.Callsign, "health": p.Health, "misses": p.TotalMisses,
				}).Warn("heartbeat missed")
			}
		})
		if err != nil {
			continue
		}
		if wentDead {
			// Everything routed through a dead peer is unreachable too.
			if n, err := e.st.DeleteRoutesVia(nodeID); err == nil && n > 0 {
				log.WithFields(logrus.Fields{"node": nodeID, "routes": n}).Info("dropped routes via dead peer")
			}
		}
	}
}

// ShareRoutes advertises our table to every alive peer, split across as
// many ROUTES frames as the payload limit requires.
func (e *Engine) ShareRoutes(ctx context.Context) error {
	table, err := e.OwnTable()
	if err != nil {
		return err
	}
	texts := frame.RAPRoutesFrames(table)
	peers, err := e.st.ListPeers()
	if err != nil {
		return err
	}
	for _, p := range peers {
		if !p.Enabled || p.Health != store.HealthAlive {
			continue
		}
		for _, text := range texts {
			if err := e.send(ctx, p.NodeID, text); err != nil {
				log.WithError(err).WithField("peer", p.Callsign).Warn("route share failed")
				break
			}
		}
	}
	return nil
}

// ExpireRoutes drops routes past TTL.
func (e *Engine) ExpireRoutes() error {
	n, err := e.st.ExpireRoutes(e.now().UnixMicro())
	if err != nil {
		return err
	}
	if n > 0 {
		log.WithField("count", n).Info("expired routes")
	}
	return nil
}

func (e *Engine) send(ctx context.Context, nodeID, text string) error {
	if err := e.limiter.Wait(ctx, ratelimit.ClassUnicast); err != nil {
		return err
	}
	return e.tr.SendUnicast(ctx, nodeID, text)
}
