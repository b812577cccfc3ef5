// Package boardsync replicates synced bulletin boards between peers with
// batched BOARDREQ/BOARDACK/BOARDDAT/BOARDDLV transfers.
package boardsync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/advbbs/advbbs/frame"
	"github.com/advbbs/advbbs/keyring"
	"github.com/advbbs/advbbs/ratelimit"
	"github.com/advbbs/advbbs/store"
	"github.com/advbbs/advbbs/transport"
)

var log = logrus.WithField("prefix", "boardsync")

const (
	// DatContentSize is the batch payload budget per BOARDDAT frame.
	DatContentSize = 150

	// batchThreshold pushes immediately once this many posts are pending.
	batchThreshold = 10

	// maxBatchPosts bounds one transfer.
	maxBatchPosts = 10

	// staleAfter pushes any nonzero backlog once it has waited this long.
	staleAfter = time.Hour

	// DefaultAckTimeout is how long a pusher waits for BOARDACK/BOARDNAK.
	DefaultAckTimeout = 30 * time.Second

	inboundTimeout = 10 * time.Minute
)

// Keys unwraps board keys for sealing and unsealing posts.
type Keys interface {
	BoardKey(name string) ([]byte, error)
}

// Engine pushes pending posts on synced boards to peers and files batches
// pushed by them.
type Engine struct {
	callsign       string
	st             *store.Store
	tr             transport.Transport
	limiter        *ratelimit.Limiter
	keys           Keys
	ackTimeout     time.Duration
	batchThreshold int
	staleAfter     time.Duration
	now            func() time.Time

	mu       sync.Mutex
	outbound map[string]*outboundPush
	inbound  map[string]*inboundTransfer
}

type outboundPush struct {
	sig   *transport.AckSignal
	dlv   *transport.AckSignal
	uuids []string
}

type inboundTransfer struct {
	board   string
	sender  string
	total   int
	parts   map[int]string
	started time.Time
}

func New(callsign string, st *store.Store, tr transport.Transport, limiter *ratelimit.Limiter, keys Keys) *Engine {
	return &Engine{
		callsign:       strings.ToUpper(callsign),
		st:             st,
		tr:             tr,
		limiter:        limiter,
		keys:           keys,
		ackTimeout:     DefaultAckTimeout,
		batchThreshold: batchThreshold,
		staleAfter:     staleAfter,
		now:            time.Now,
		outbound:       make(map[string]*outboundPush),
		inbound:        make(map[string]*inboundTransfer),
	}
}

// Configure overrides the push thresholds. Zero values keep the defaults.
func (e *Engine) Configure(threshold int, stale time.Duration) {
	if threshold > 0 {
		e.batchThreshold = threshold
	}
	if stale > 0 {
		e.staleAfter = stale
	}
}

// ShouldPush reports whether a board's backlog warrants a push: a full
// batch immediately, or any backlog that has waited out the stale window.
func (e *Engine) ShouldPush(b *store.Board, now time.Time) bool {
	if !b.Synced || b.PendingCount == 0 {
		return false
	}
	if b.PendingCount >= e.batchThreshold {
		return true
	}
	return now.Sub(time.UnixMicro(b.LastSyncAt)) >= e.staleAfter
}

// SweepBoards pushes every synced board whose backlog is due.
func (e *Engine) SweepBoards(ctx context.Context) {
	boards, err := e.st.SyncedBoards()
	if err != nil {
		log.WithError(err).Error("listing synced boards")
		return
	}
	now := e.now()
	for _, b := range boards {
		if e.ShouldPush(b, now) {
			e.Push(ctx, b.Name)
		}
	}
}

// Push replicates one board's unsynced posts to every alive peer, then
// clears the backlog counter.
func (e *Engine) Push(ctx context.Context, board string) {
	b, err := e.st.GetBoard(board)
	if err != nil || !b.Synced {
		return
	}
	peers, err := e.st.ListPeers()
	if err != nil {
		log.WithError(err).Error("listing peers")
		return
	}
	attempted := false
	for _, p := range peers {
		if !p.Enabled || p.Health != store.HealthAlive {
			continue
		}
		if !e.limiter.Allow(ratelimit.ClassSyncReq, p.NodeID) {
			log.WithField("peer", p.Callsign).Debug("sync throttled")
			continue
		}
		attempted = true
		e.pushToPeer(ctx, b, p)
	}
	// With every peer skipped the backlog stays put for the next sweep.
	if !attempted {
		return
	}
	fresh, err := e.st.GetBoard(board)
	if err != nil {
		return
	}
	fresh.PendingCount = 0
	fresh.LastSyncAt = e.now().UnixMicro()
	if err := e.st.PutBoard(fresh); err != nil {
		log.WithError(err).WithField("board", board).Error("clearing backlog")
	}
}

// pushToPeer sends one batch of this board's posts the peer has not
// acknowledged yet.
func (e *Engine) pushToPeer(ctx context.Context, b *store.Board, p *store.Peer) {
	posts, uuids, err := e.collectUnsynced(b, p)
	if err != nil {
		log.WithError(err).WithField("board", b.Name).Error("collecting posts")
		return
	}
	if len(posts) == 0 {
		return
	}
	plog := log.WithFields(logrus.Fields{"board": b.Name, "peer": p.Callsign, "posts": len(posts)})

	push := &outboundPush{
		sig:   transport.NewAckSignal(),
		dlv:   transport.NewAckSignal(),
		uuids: uuids,
	}
	key := b.Name + "\x00" + p.NodeID
	e.mu.Lock()
	e.outbound[key] = push
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.outbound, key)
		e.mu.Unlock()
	}()

	req := frame.BoardReq{Board: b.Name, Count: len(posts), SinceMicros: 0}
	if err := e.sendUnicast(ctx, p.NodeID, req.Encode()); err != nil {
		plog.WithError(err).Warn("sync request failed")
		return
	}
	accepted, detail, err := push.sig.Wait(ctx, e.ackTimeout)
	if err != nil {
		return
	}
	if !accepted {
		plog.WithField("reason", detail).Info("sync refused")
		for _, id := range uuids {
			e.st.LogSync(id, p.NodeID, store.DirSent, store.SyncFailed)
		}
		return
	}

	batch := frame.EncodeBatch(posts)
	parts := splitParts(batch)
	for i, data := range parts {
		dat := frame.BoardDat{Board: b.Name, Part: i + 1, Total: len(parts), Data: data}
		if err := e.limiter.Wait(ctx, ratelimit.ClassBoardChunk); err != nil {
			return
		}
		if err := e.tr.SendUnicast(ctx, p.NodeID, dat.Encode()); err != nil {
			plog.WithError(err).Warn("batch send failed")
			return
		}
	}

	delivered, _, err := push.dlv.Wait(ctx, e.ackTimeout)
	if err != nil {
		return
	}
	status := store.SyncAcked
	if !delivered {
		status = store.SyncFailed
	}
	for _, id := range uuids {
		if err := e.st.LogSync(id, p.NodeID, store.DirSent, status); err != nil {
			plog.WithError(err).Error("recording sync status")
		}
	}
	if delivered {
		plog.Info("board batch delivered")
		e.st.UpdatePeer(p.NodeID, func(p *store.Peer) {
			p.LastSyncMicros = e.now().UnixMicro()
		})
	}
}

// collectUnsynced gathers posts the peer has neither sent us nor already
// acknowledged, decrypted into transit records.
func (e *Engine) collectUnsynced(b *store.Board, p *store.Peer) ([]frame.PostRecord, []string, error) {
	posts, err := e.st.BoardPosts(b.Name, 0, 0)
	if err != nil {
		return nil, nil, err
	}
	key, err := e.keys.BoardKey(b.Name)
	if err != nil {
		return nil, nil, err
	}
	var records []frame.PostRecord
	var uuids []string
	for _, m := range posts {
		if len(records) >= maxBatchPosts {
			break
		}
		if strings.EqualFold(m.OriginBBS, p.Callsign) {
			continue
		}
		status, err := e.st.SyncStatus(m.UUID, p.NodeID, store.DirSent)
		if err != nil {
			return nil, nil, err
		}
		if status == store.SyncAcked {
			continue
		}
		subject, err := keyring.Open(m.SubjectEnc, key, m.UUID, m.CreatedMicros)
		if err != nil {
			log.WithError(err).WithField("uuid", m.UUID).Error("post failed to unseal, skipping")
			continue
		}
		body, err := keyring.Open(m.BodyEnc, key, m.UUID, m.CreatedMicros)
		if err != nil {
			log.WithError(err).WithField("uuid", m.UUID).Error("post failed to unseal, skipping")
			continue
		}
		records = append(records, frame.PostRecord{
			UUID:      m.UUID,
			Author:    m.Author,
			OriginBBS: m.OriginBBS,
			TsMicros:  m.CreatedMicros,
			Subject:   string(subject),
			Body:      string(body),
		})
		uuids = append(uuids, m.UUID)
	}
	return records, uuids, nil
}

// Handle dispatches one BOARD* frame. Returns false for other frame types.
func (e *Engine) Handle(ctx context.Context, sender string, f *frame.Frame) bool {
	switch f.Type {
	case frame.TypeBoardReq:
		e.handleReq(ctx, sender, f.Payload)
	case frame.TypeBoardAck:
		e.resolveAck(sender, f.Payload, true, "")
	case frame.TypeBoardNak:
		board, reason := splitTwo(f.Payload)
		e.resolveAck(sender, board, false, reason)
	case frame.TypeBoardDat:
		e.handleDat(ctx, sender, f.Payload)
	case frame.TypeBoardDlv:
		e.resolveDlv(sender, f.Payload)
	default:
		return false
	}
	return true
}

func (e *Engine) handleReq(ctx context.Context, sender, payload string) {
	req, err := frame.ParseBoardReq(payload)
	if err != nil {
		log.WithError(err).WithField("node", sender).Warn("bad BOARDREQ")
		return
	}
	board := strings.ToLower(req.Board)
	b, err := e.st.GetBoard(board)
	if err != nil {
		// Boards are operator-created, never auto-created by a peer's
		// request.
		e.sendUnicast(ctx, sender, frame.BoardNak(board, frame.BoardNakUnknown))
		return
	}
	if !b.Synced {
		e.sendUnicast(ctx, sender, frame.BoardNak(board, frame.BoardNakSyncDisabled))
		return
	}
	e.mu.Lock()
	e.inbound[sender+"\x00"+board] = &inboundTransfer{
		board:   board,
		sender:  sender,
		parts:   make(map[int]string),
		started: e.now(),
	}
	e.mu.Unlock()
	e.sendUnicast(ctx, sender, frame.BoardAck(board))
}

func (e *Engine) handleDat(ctx context.Context, sender, payload string) {
	dat, err := frame.ParseBoardDat(payload)
	if err != nil {
		log.WithError(err).WithField("node", sender).Warn("bad BOARDDAT")
		return
	}
	board := strings.ToLower(dat.Board)
	key := sender + "\x00" + board
	e.mu.Lock()
	tr, ok := e.inbound[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	if tr.total == 0 {
		tr.total = dat.Total
	}
	if dat.Total != tr.total {
		e.mu.Unlock()
		return
	}
	tr.parts[dat.Part] = dat.Data
	complete := len(tr.parts) == tr.total
	if complete {
		delete(e.inbound, key)
	}
	e.mu.Unlock()
	if !complete {
		return
	}

	var sb strings.Builder
	for i := 1; i <= tr.total; i++ {
		sb.WriteString(tr.parts[i])
	}
	e.fileBatch(ctx, tr, sb.String())
}

// fileBatch seals and stores a received batch, then confirms it. Duplicates
// are skipped; a replayed batch still gets its receipt.
func (e *Engine) fileBatch(ctx context.Context, tr *inboundTransfer, data string) {
	records := frame.ParseBatch(data)
	key, err := e.keys.BoardKey(tr.board)
	if err != nil {
		log.WithError(err).WithField("board", tr.board).Error("board key unavailable")
		return
	}
	filed := 0
	for _, rec := range records {
		author := rec.Author
		if !strings.Contains(author, "@") {
			// Remote authors are qualified with their home BBS so local
			// and federated identities stay distinct.
			author = strings.ToLower(author) + "@" + strings.ToUpper(rec.OriginBBS)
		}
		subjectEnc, err := keyring.Seal([]byte(rec.Subject), key, rec.UUID, rec.TsMicros)
		if err != nil {
			log.WithError(err).Error("sealing post subject")
			continue
		}
		bodyEnc, err := keyring.Seal([]byte(rec.Body), key, rec.UUID, rec.TsMicros)
		if err != nil {
			log.WithError(err).Error("sealing post body")
			continue
		}
		err = e.st.InsertMessage(&store.Message{
			UUID:          rec.UUID,
			Kind:          store.KindBulletin,
			OriginBBS:     strings.ToUpper(rec.OriginBBS),
			Board:         tr.board,
			Author:        author,
			SubjectEnc:    subjectEnc,
			BodyEnc:       bodyEnc,
			CreatedMicros: rec.TsMicros,
		})
		if err != nil && !errors.Is(err, store.ErrDuplicateUUID) {
			log.WithError(err).WithField("uuid", rec.UUID).Error("filing post")
			continue
		}
		if err == nil {
			filed++
		}
		e.st.LogSync(rec.UUID, tr.sender, store.DirReceived, store.SyncAcked)
		// Mark as already-sent toward the source so the next push does
		// not echo the post back.
		e.st.LogSync(rec.UUID, tr.sender, store.DirSent, store.SyncAcked)
	}
	log.WithFields(logrus.Fields{"board": tr.board, "filed": filed, "batch": len(records)}).Info("board batch filed")
	e.sendUnicast(ctx, tr.sender, frame.BoardDlv(tr.board))
}

func (e *Engine) resolveAck(sender, board string, accepted bool, reason string) {
	e.mu.Lock()
	push := e.outbound[strings.ToLower(board)+"\x00"+sender]
	e.mu.Unlock()
	if push != nil {
		push.sig.Resolve(accepted, reason)
	}
}

func (e *Engine) resolveDlv(sender, board string) {
	e.mu.Lock()
	push := e.outbound[strings.ToLower(board)+"\x00"+sender]
	e.mu.Unlock()
	if push != nil {
		push.dlv.Resolve(true, "")
	}
}

// SweepInbound drops stalled inbound transfers.
func (e *Engine) SweepInbound() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	dropped := 0
	for key, tr := range e.inbound {
		if now.Sub(tr.started) > inboundTimeout {
			delete(e.inbound, key)
			dropped++
		}
	}
	return dropped
}

func (e *Engine) sendUnicast(ctx context.Context, nodeID, text string) error {
	if err := e.limiter.Wait(ctx, ratelimit.ClassUnicast); err != nil {
		return err
	}
	return e.tr.SendUnicast(ctx, nodeID, text)
}

func splitTwo(payload string) (string, string) {
	if i := strings.IndexByte(payload, '|'); i >= 0 {
		return payload[:i], payload[i+1:]
	}
	return payload, ""
}

func splitParts(payload string) []string {
	var parts []string
	for len(payload) > DatContentSize {
		parts = append(parts, payload[:DatContentSize])
		payload = payload[DatContentSize:]
	}
	return append(parts, payload)
}
