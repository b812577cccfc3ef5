// Package mail implements federated mail: spooling outbound remote mail,
// the MAILREQ/MAILACK/MAILNAK handshake, chunked MAILDAT transfer with
// multi-hop relay forwarding, and MAILDLV delivery receipts.
package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/advbbs/advbbs/frame"
	"github.com/advbbs/advbbs/keyring"
	"github.com/advbbs/advbbs/rap"
	"github.com/advbbs/advbbs/ratelimit"
	"github.com/advbbs/advbbs/store"
	"github.com/advbbs/advbbs/transport"
)

var log = logrus.WithField("prefix", "mail")

const (
	// DatContentSize is the transit payload budget per MAILDAT frame.
	DatContentSize = 150

	// MaxParts caps a mail transfer; with DatContentSize this bounds the
	// transit payload at 450 bytes.
	MaxParts = 3

	// DefaultAckTimeout is how long a sender waits for MAILACK/MAILNAK
	// after a MAILREQ.
	DefaultAckTimeout = 30 * time.Second

	// DefaultMaxHops matches the routing hop bound.
	DefaultMaxHops = rap.DefaultMaxHops

	// inboundTimeout drops half-finished inbound transfers.
	inboundTimeout = 10 * time.Minute

	maxAttempts = 3
)

// Retry backoff by attempt number.
var backoff = []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}

var (
	ErrTooLong       = errors.New("mail body exceeds transfer size limit")
	ErrBadRemoteAddr = errors.New("remote address must be user@BBS")
)

// Keys supplies key material the engine needs: the spool key protects
// in-transit payloads at rest on this node, and per-user keys seal delivered
// mail for its recipient.
type Keys interface {
	SpoolKey() []byte
	UserKey(name string) ([]byte, error)
}

// Engine runs the mail transfer state machine for one BBS.
type Engine struct {
	callsign   string
	st         *store.Store
	tr         transport.Transport
	routes     *rap.Engine
	limiter    *ratelimit.Limiter
	keys       Keys
	ackTimeout time.Duration
	maxHops    int
	now        func() time.Time

	// OnDelivered, when set, is called after mail lands in a local
	// mailbox, so the owner can be notified on their bound nodes.
	OnDelivered func(user, fromAddr string)

	mu       sync.Mutex
	outbound map[string]*transport.AckSignal
	inbound  map[string]*inboundTransfer
	kick     chan struct{}
}

type inboundTransfer struct {
	req        *frame.MailReq
	sender     string // upstream node
	relay      bool
	downstream string // relay only: node the request was forwarded to
	parts      map[int]string
	started    time.Time
}

func New(callsign string, st *store.Store, tr transport.Transport, routes *rap.Engine, limiter *ratelimit.Limiter, keys Keys) *Engine {
	return &Engine{
		callsign:   strings.ToUpper(callsign),
		st:         st,
		tr:         tr,
		routes:     routes,
		limiter:    limiter,
		keys:       keys,
		ackTimeout: DefaultAckTimeout,
		maxHops:    DefaultMaxHops,
		now:        time.Now,
		outbound:   make(map[string]*transport.AckSignal),
		inbound:    make(map[string]*inboundTransfer),
		kick:       make(chan struct{}, 1),
	}
}

// Configure overrides the hop ceiling and handshake timeout. Zero values
// keep the defaults.
func (e *Engine) Configure(maxHops int, ackTimeout time.Duration) {
	if maxHops > 0 {
		e.maxHops = maxHops
	}
	if ackTimeout > 0 {
		e.ackTimeout = ackTimeout
	}
}

// Kick signals the delivery worker that new outbound mail exists.
func (e *Engine) Kick() <-chan struct{} { return e.kick }

func (e *Engine) nudge() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// QueueRemote spools mail addressed to user@BBS. The transit payload is
// sealed under the spool key until it is forwarded.
func (e *Engine) QueueRemote(uuid, fromUser, toAddr, subject, body string) error {
	toUser, toBBS, err := SplitAddr(toAddr)
	if err != nil {
		return err
	}
	payload := frame.Sanitize(subject) + "|" + frame.Sanitize(body)
	if len(payload) > MaxParts*DatContentSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLong, len(payload))
	}
	created := e.now().UnixMicro()
	sealed, err := keyring.Seal([]byte(payload), e.keys.SpoolKey(), uuid, created)
	if err != nil {
		return err
	}
	err = e.st.InsertMessage(&store.Message{
		UUID:           uuid,
		Kind:           store.KindMail,
		OriginBBS:      e.callsign,
		Sender:         strings.ToLower(fromUser) + "@" + e.callsign,
		RemoteAddr:     strings.ToLower(toUser) + "@" + strings.ToUpper(toBBS),
		BodyEnc:        sealed,
		CreatedMicros:  created,
		DeliveryStatus: store.DeliveryPending,
		HopCount:       1, // the origin's MAILREQ goes out as hop 1
	})
	if err != nil {
		return err
	}
	e.nudge()
	return nil
}

// DeliverPending runs one delivery pass over spooled outbound mail that is
// due for an attempt.
func (e *Engine) DeliverPending(ctx context.Context) {
	msgs, err := e.st.PendingOutboundMail(0)
	if err != nil {
		log.WithError(err).Error("listing pending mail")
		return
	}
	now := e.now()
	for _, m := range msgs {
		if m.Attempts > 0 {
			wait := backoff[min(m.Attempts-1, len(backoff)-1)]
			if now.Sub(time.UnixMicro(m.LastAttempt)) < wait {
				continue
			}
		}
		e.deliverOne(ctx, m)
	}
}

// deliverOne attempts a single hop-by-hop handoff of one spooled message.
func (e *Engine) deliverOne(ctx context.Context, m *store.Message) {
	toUser, toBBS, err := SplitAddr(m.RemoteAddr)
	if err != nil {
		e.failPermanently(m.UUID, "bad remote address")
		return
	}
	mlog := log.WithFields(logrus.Fields{"uuid": m.UUID, "to": m.RemoteAddr})

	peer, _, err := e.routes.NextHop(toBBS)
	if err != nil {
		e.recordFailure(m.UUID, frame.NakNoRoute)
		mlog.Warn("no route, will retry")
		return
	}

	payload, err := keyring.Open(m.BodyEnc, e.keys.SpoolKey(), m.UUID, m.CreatedMicros)
	if err != nil {
		e.failPermanently(m.UUID, "spool ciphertext failed to authenticate")
		mlog.WithError(err).Error("spool open failed")
		return
	}
	parts := splitParts(string(payload))

	fromUser, fromBBS, _ := SplitAddr(m.Sender)
	req := frame.MailReq{
		UUID:     m.UUID,
		FromUser: fromUser,
		FromBBS:  fromBBS,
		ToUser:   toUser,
		ToBBS:    toBBS,
		Hop:      m.HopCount,
		NumParts: len(parts),
		Route:    []string{e.callsign},
	}

	sig := transport.NewAckSignal()
	e.mu.Lock()
	e.outbound[m.UUID] = sig
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.outbound, m.UUID)
		e.mu.Unlock()
	}()

	if err := e.sendUnicast(ctx, peer.NodeID, req.Encode()); err != nil {
		e.recordFailure(m.UUID, "send: "+err.Error())
		return
	}
	accepted, detail, err := sig.Wait(ctx, e.ackTimeout)
	if err != nil {
		return // shutting down
	}
	if !accepted {
		switch detail {
		case frame.NakNoUser, frame.NakLoop, frame.NakMaxHops:
			e.failPermanently(m.UUID, detail)
			mlog.WithField("reason", detail).Warn("mail rejected")
		default:
			e.recordFailure(m.UUID, detail)
			mlog.WithField("reason", detail).Warn("mail attempt failed, will retry")
		}
		return
	}

	for i, data := range parts {
		dat := frame.MailDat{UUID: m.UUID, Part: i + 1, Total: len(parts), Data: data}
		if err := e.limiter.Wait(ctx, ratelimit.ClassMailChunk); err != nil {
			return
		}
		delivered, detail, err := e.tr.SendUnicastAwaitAck(ctx, peer.NodeID, dat.Encode(), e.ackTimeout)
		if err != nil {
			return // shutting down
		}
		if !delivered {
			e.failPermanently(m.UUID, "fragment undelivered: "+detail)
			mlog.WithFields(logrus.Fields{"part": i + 1, "detail": detail}).Warn("fragment send failed")
			return
		}
	}

	// In transit; only the terminal's MAILDLV flips it to delivered. The
	// receipt can already have landed while the fragments were going out.
	err = e.st.UpdateMessage(m.UUID, func(m *store.Message) {
		if m.DeliveryStatus == store.DeliveryPending {
			m.DeliveryStatus = store.DeliveryForwarded
		}
		m.ForwardedTo = peer.Callsign
		m.Attempts++
		m.LastAttempt = e.now().UnixMicro()
	})
	if err != nil {
		mlog.WithError(err).Error("marking forwarded")
	}
	mlog.WithField("via", peer.Callsign).Info("mail forwarded")
}

// Handle dispatches one MAIL* frame. Returns false for other frame types.
func (e *Engine) Handle(ctx context.Context, sender string, f *frame.Frame) bool {
	switch f.Type {
	case frame.TypeMailReq:
		e.handleReq(ctx, sender, f.Payload)
	case frame.TypeMailAck:
		e.resolve(ctx, sender, f.Payload, true)
	case frame.TypeMailNak:
		e.resolve(ctx, sender, f.Payload, false)
	case frame.TypeMailDat:
		e.handleDat(ctx, sender, f.Payload)
	case frame.TypeMailDlv:
		e.handleDlv(ctx, sender, f.Payload)
	default:
		return false
	}
	return true
}

func (e *Engine) handleReq(ctx context.Context, sender, payload string) {
	req, err := frame.ParseMailReq(payload)
	if err != nil {
		log.WithError(err).WithField("node", sender).Warn("bad MAILREQ")
		return
	}
	rlog := log.WithFields(logrus.Fields{"uuid": req.UUID, "to": req.ToUser + "@" + req.ToBBS})

	// Route membership is checked before the hop bound: a looping frame is
	// a loop even when it is also over the hop limit.
	if req.RouteContains(e.callsign) {
		rlog.Warn("routing loop detected")
		e.sendUnicast(ctx, sender, frame.MailNak(req.UUID, frame.NakLoop))
		return
	}
	if strings.EqualFold(req.ToBBS, e.callsign) {
		if _, err := e.st.GetUser(req.ToUser); err != nil {
			rlog.Info("no such user")
			e.sendUnicast(ctx, sender, frame.MailNak(req.UUID, frame.NakNoUser))
			return
		}
		// A replayed UUID is already settled here; re-confirm without
		// opening a transfer so the duplicate's chunks fall on the floor.
		if m, err := e.st.GetMessage(req.UUID); err == nil {
			rlog.Info("duplicate transfer, re-acking")
			e.sendUnicast(ctx, sender, frame.MailAck(req.UUID))
			if m.DeliveredMicros != 0 {
				e.sendUnicast(ctx, sender, frame.MailDlv(req.UUID, req.ToUser, req.ToBBS))
			}
			return
		}
		e.mu.Lock()
		e.inbound[req.UUID] = &inboundTransfer{
			req:     req,
			sender:  sender,
			parts:   make(map[int]string),
			started: e.now(),
		}
		e.mu.Unlock()
		e.sendUnicast(ctx, sender, frame.MailAck(req.UUID))
		return
	}

	// Relay. The hop bound gates forwarding only: a transfer arriving at
	// its terminal on the last allowed hop still lands.
	if req.Hop+1 > e.maxHops {
		rlog.Warn("hop limit exceeded")
		e.sendUnicast(ctx, sender, frame.MailNak(req.UUID, frame.NakMaxHops))
		return
	}
	peer, _, err := e.routes.NextHop(req.ToBBS)
	if err != nil {
		rlog.Info("no onward route")
		e.sendUnicast(ctx, sender, frame.MailNak(req.UUID, frame.NakNoRoute))
		return
	}

	// Forward the request one hop on with ourselves appended to the route.
	// The upstream is answered when the downstream's verdict comes back.
	fwd := *req
	fwd.Hop = req.Hop + 1
	fwd.Route = append(append([]string(nil), req.Route...), e.callsign)
	e.mu.Lock()
	e.inbound[req.UUID] = &inboundTransfer{
		req:        req,
		sender:     sender,
		relay:      true,
		downstream: peer.NodeID,
		started:    e.now(),
	}
	e.mu.Unlock()
	rlog.WithFields(logrus.Fields{"via": peer.Callsign, "hop": fwd.Hop}).Info("relaying mail request")
	if err := e.sendUnicast(ctx, peer.NodeID, fwd.Encode()); err != nil {
		e.mu.Lock()
		delete(e.inbound, req.UUID)
		e.mu.Unlock()
	}
}

func (e *Engine) handleDat(ctx context.Context, sender, payload string) {
	dat, err := frame.ParseMailDat(payload)
	if err != nil {
		log.WithError(err).WithField("node", sender).Warn("bad MAILDAT")
		return
	}
	e.mu.Lock()
	tr, ok := e.inbound[dat.UUID]
	if !ok || tr.sender != sender || dat.Total != tr.req.NumParts {
		e.mu.Unlock()
		return
	}
	if tr.relay {
		e.mu.Unlock()
		e.forwardDat(ctx, tr.downstream, payload)
		return
	}
	tr.parts[dat.Part] = dat.Data
	complete := len(tr.parts) == tr.req.NumParts
	if complete {
		delete(e.inbound, dat.UUID)
	}
	e.mu.Unlock()
	if !complete {
		return
	}

	var sb strings.Builder
	for i := 1; i <= tr.req.NumParts; i++ {
		sb.WriteString(tr.parts[i])
	}
	e.completeLocal(ctx, tr, sb.String())
}

// forwardDat passes a relayed fragment downstream as-is; the payload is
// opaque to a relay.
func (e *Engine) forwardDat(ctx context.Context, nodeID, payload string) {
	if err := e.limiter.Wait(ctx, ratelimit.ClassMailChunk); err != nil {
		return
	}
	delivered, detail, err := e.tr.SendUnicastAwaitAck(ctx, nodeID, frame.Format(frame.TypeMailDat, payload), e.ackTimeout)
	if err == nil && !delivered {
		log.WithFields(logrus.Fields{"node": nodeID, "detail": detail}).Warn("relayed fragment undelivered")
	}
}

// completeLocal seals the payload for the recipient and files it. This is
// the terminal re-encryption point: transit plaintext becomes recipient
// ciphertext before it touches disk.
func (e *Engine) completeLocal(ctx context.Context, tr *inboundTransfer, payload string) {
	req := tr.req
	subject, body := splitPayload(payload)
	key, err := e.keys.UserKey(req.ToUser)
	if err != nil {
		log.WithError(err).WithField("user", req.ToUser).Error("recipient key unavailable")
		return
	}
	created := e.now().UnixMicro()
	subjectEnc, err := keyring.Seal([]byte(subject), key, req.UUID, created)
	if err != nil {
		log.WithError(err).Error("sealing subject")
		return
	}
	bodyEnc, err := keyring.Seal([]byte(body), key, req.UUID, created)
	if err != nil {
		log.WithError(err).Error("sealing body")
		return
	}
	fromAddr := strings.ToLower(req.FromUser) + "@" + strings.ToUpper(req.FromBBS)
	err = e.st.InsertMessage(&store.Message{
		UUID:            req.UUID,
		Kind:            store.KindMail,
		OriginBBS:       strings.ToUpper(req.FromBBS),
		Sender:          fromAddr,
		Recipient:       strings.ToLower(req.ToUser),
		SubjectEnc:      subjectEnc,
		BodyEnc:         bodyEnc,
		CreatedMicros:   created,
		DeliveredMicros: created,
		HopCount:        req.Hop,
	})
	if err != nil && !errors.Is(err, store.ErrDuplicateUUID) {
		log.WithError(err).Error("filing delivered mail")
		return
	}
	log.WithFields(logrus.Fields{"uuid": req.UUID, "user": req.ToUser, "from": fromAddr}).Info("mail delivered")
	e.sendUnicast(ctx, tr.sender, frame.MailDlv(req.UUID, req.ToUser, e.callsign))
	if e.OnDelivered != nil {
		e.OnDelivered(strings.ToLower(req.ToUser), fromAddr)
	}
}

// handleDlv settles the end-to-end receipt: a relay forwards it upstream
// and closes its transfer, the origin marks its spooled copy delivered.
func (e *Engine) handleDlv(ctx context.Context, sender, payload string) {
	uuid, _, err := frame.UUIDReason(payload)
	if err != nil {
		return
	}
	e.mu.Lock()
	tr, ok := e.inbound[uuid]
	if ok && tr.relay && sender == tr.downstream {
		delete(e.inbound, uuid)
		e.mu.Unlock()
		e.sendUnicast(ctx, tr.sender, frame.Format(frame.TypeMailDlv, payload))
		return
	}
	e.mu.Unlock()
	err = e.st.UpdateMessage(uuid, func(m *store.Message) {
		m.DeliveryStatus = store.DeliveryDelivered
		m.DeliveredMicros = e.now().UnixMicro()
	})
	if err != nil {
		log.WithError(err).WithField("uuid", uuid).Debug("receipt for unknown mail")
		return
	}
	log.WithField("uuid", uuid).Info("delivery confirmed")
}

// resolve settles a MAILACK/MAILNAK. For our own pending request it wakes
// the waiter; for a relayed transfer the downstream's verdict is forwarded
// upstream unchanged, and a NAK closes the transfer.
func (e *Engine) resolve(ctx context.Context, sender, payload string, accepted bool) {
	uuid, detail, err := frame.UUIDReason(payload)
	if err != nil {
		return
	}
	e.mu.Lock()
	if sig := e.outbound[uuid]; sig != nil {
		e.mu.Unlock()
		sig.Resolve(accepted, detail)
		return
	}
	tr, ok := e.inbound[uuid]
	relayed := ok && tr.relay && sender == tr.downstream
	if relayed && !accepted {
		delete(e.inbound, uuid)
	}
	e.mu.Unlock()
	if !relayed {
		return
	}
	verdict := frame.TypeMailAck
	if !accepted {
		verdict = frame.TypeMailNak
	}
	e.sendUnicast(ctx, tr.sender, frame.Format(verdict, payload))
}

// SweepInbound drops inbound transfers that stalled.
func (e *Engine) SweepInbound() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	dropped := 0
	for uuid, tr := range e.inbound {
		if now.Sub(tr.started) > inboundTimeout {
			delete(e.inbound, uuid)
			dropped++
		}
	}
	if dropped > 0 {
		log.WithField("count", dropped).Info("dropped stalled inbound transfers")
	}
	return dropped
}

func (e *Engine) recordFailure(uuid, reason string) {
	err := e.st.UpdateMessage(uuid, func(m *store.Message) {
		m.Attempts++
		m.LastAttempt = e.now().UnixMicro()
		m.FailReason = reason
		if m.Attempts >= maxAttempts {
			m.DeliveryStatus = store.DeliveryFailed
		}
	})
	if err != nil {
		log.WithError(err).WithField("uuid", uuid).Error("recording failure")
	}
}

func (e *Engine) failPermanently(uuid, reason string) {
	err := e.st.UpdateMessage(uuid, func(m *store.Message) {
		m.Attempts++
		m.LastAttempt = e.now().UnixMicro()
		m.FailReason = reason
		m.DeliveryStatus = store.DeliveryFailed
	})
	if err != nil {
		log.WithError(err).WithField("uuid", uuid).Error("recording failure")
	}
}

func (e *Engine) sendUnicast(ctx context.Context, nodeID, text string) error {
	if err := e.limiter.Wait(ctx, ratelimit.ClassUnicast); err != nil {
		return err
	}
	return e.tr.SendUnicast(ctx, nodeID, text)
}

// SplitAddr splits "user@BBS" into its halves.
func SplitAddr(addr string) (user, bbs string, err error) {
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrBadRemoteAddr, addr)
	}
	return addr[:at], addr[at+1:], nil
}

func splitParts(payload string) []string {
	var parts []string
	for len(payload) > DatContentSize {
		parts = append(parts, payload[:DatContentSize])
		payload = payload[DatContentSize:]
	}
	return append(parts, payload)
}

func splitPayload(payload string) (subject, body string) {
	if i := strings.IndexByte(payload, '|'); i >= 0 {
		return payload[:i], payload[i+1:]
	}
	return "", payload
}
