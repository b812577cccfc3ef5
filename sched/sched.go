// Package sched runs the periodic maintenance loops: RAP heartbeats, route
// sharing, mail retries, board sync sweeps, expiry and buffer sweeps, and
// database backups.
package sched

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/advbbs/advbbs/boardsync"
	"github.com/advbbs/advbbs/mail"
	"github.com/advbbs/advbbs/rap"
	"github.com/advbbs/advbbs/router"
	"github.com/advbbs/advbbs/session"
	"github.com/advbbs/advbbs/store"
)

var log = logrus.WithField("prefix", "sched")

// Intervals configures the loop periods. A zero interval disables that loop.
type Intervals struct {
	Heartbeat  time.Duration
	RouteShare time.Duration
	MailRetry  time.Duration
	BoardSweep time.Duration
	Expiry     time.Duration
	Sweep      time.Duration
	Backup     time.Duration
}

// DefaultIntervals are tuned for a low-duty-cycle mesh: heartbeats are rare
// because every frame already counts as proof of life.
func DefaultIntervals() Intervals {
	return Intervals{
		Heartbeat:  12 * time.Hour,
		RouteShare: 24 * time.Hour,
		MailRetry:  10 * time.Minute,
		BoardSweep: 10 * time.Minute,
		Expiry:     1 * time.Hour,
		Sweep:      5 * time.Minute,
		Backup:     24 * time.Hour,
	}
}

type Scheduler struct {
	iv         Intervals
	st         *store.Store
	routes     *rap.Engine
	mailer     *mail.Engine
	boards     *boardsync.Engine
	sessions   *session.Manager
	rt         *router.Router
	backupPath string
}

func New(iv Intervals, st *store.Store, routes *rap.Engine, mailer *mail.Engine,
	boards *boardsync.Engine, sessions *session.Manager, rt *router.Router, backupPath string) *Scheduler {
	return &Scheduler{
		iv: iv, st: st, routes: routes, mailer: mailer,
		boards: boards, sessions: sessions, rt: rt, backupPath: backupPath,
	}
}

// Run blocks until ctx is canceled, then returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.every(ctx, s.iv.Heartbeat, s.heartbeat) })
	g.Go(func() error { return s.every(ctx, s.iv.RouteShare, s.shareRoutes) })
	g.Go(func() error { return s.mailLoop(ctx) })
	g.Go(func() error { return s.every(ctx, s.iv.BoardSweep, s.boards.SweepBoards) })
	g.Go(func() error { return s.every(ctx, s.iv.Expiry, s.expire) })
	g.Go(func() error { return s.every(ctx, s.iv.Sweep, s.sweep) })
	g.Go(func() error { return s.every(ctx, s.iv.Backup, s.backup) })

	return g.Wait()
}

// every runs fn at the given period until ctx is done. interval <= 0 parks
// the loop.
func (s *Scheduler) every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// mailLoop retries pending outbound mail on a timer and whenever the mail
// engine signals new work.
func (s *Scheduler) mailLoop(ctx context.Context) error {
	if s.iv.MailRetry <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(s.iv.MailRetry)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.mailer.Kick():
		}
		s.mailer.DeliverPending(ctx)
	}
}

func (s *Scheduler) heartbeat(ctx context.Context) {
	if err := s.routes.Heartbeat(ctx); err != nil {
		log.WithError(err).Warn("heartbeat round failed")
	}
}

func (s *Scheduler) shareRoutes(ctx context.Context) {
	if err := s.routes.ShareRoutes(ctx); err != nil {
		log.WithError(err).Warn("route share failed")
	}
}

func (s *Scheduler) expire(context.Context) {
	if n, err := s.st.ExpireMessages(time.Now().UnixMicro()); err != nil {
		log.WithError(err).Warn("message expiry failed")
	} else if n > 0 {
		log.WithField("count", n).Info("expired messages")
	}
	if err := s.routes.ExpireRoutes(); err != nil {
		log.WithError(err).Warn("route expiry failed")
	}
}

func (s *Scheduler) sweep(context.Context) {
	s.sessions.Sweep()
	if n := s.rt.SweepChunks(); n > 0 {
		log.WithField("count", n).Debug("dropped stalled chunk buffers")
	}
	if n := s.mailer.SweepInbound(); n > 0 {
		log.WithField("count", n).Debug("dropped stalled mail transfers")
	}
	if n := s.boards.SweepInbound(); n > 0 {
		log.WithField("count", n).Debug("dropped stalled board transfers")
	}
}

func (s *Scheduler) backup(context.Context) {
	if s.backupPath == "" {
		return
	}
	if err := s.st.Backup(s.backupPath); err != nil {
		log.WithError(err).Error("database backup failed")
		return
	}
	log.WithField("path", s.backupPath).Info("database backed up")
}
