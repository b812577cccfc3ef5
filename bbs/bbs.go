// Package bbs assembles the full system from a config: store, keyring,
// sessions, federation engines, command dispatcher, router, and the
// maintenance scheduler.
package bbs

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/advbbs/advbbs/boardsync"
	"github.com/advbbs/advbbs/command"
	"github.com/advbbs/advbbs/config"
	"github.com/advbbs/advbbs/keyring"
	"github.com/advbbs/advbbs/mail"
	"github.com/advbbs/advbbs/rap"
	"github.com/advbbs/advbbs/ratelimit"
	"github.com/advbbs/advbbs/router"
	"github.com/advbbs/advbbs/sched"
	"github.com/advbbs/advbbs/session"
	"github.com/advbbs/advbbs/store"
	"github.com/advbbs/advbbs/transport"
)

var log = logrus.WithField("prefix", "bbs")

// BBS is one running bulletin board system.
type BBS struct {
	cfg      *config.Config
	st       *store.Store
	ring     *session.Ring
	sessions *session.Manager
	routes   *rap.Engine
	mailer   *mail.Engine
	boards   *boardsync.Engine
	rt       *router.Router
	sched    *sched.Scheduler
	tr       transport.Transport
}

// Open builds the system. The operator passphrase unlocks the keyring;
// keyring.ErrWrongPassphrase and store.ErrCorrupt pass through for the
// entrypoint to report.
func Open(cfg *config.Config, passphrase string, tr transport.Transport) (*BBS, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	params := keyring.Params{
		Time:        cfg.Crypto.ArgonTime,
		MemoryKB:    cfg.Crypto.ArgonMemoryKB,
		Parallelism: cfg.Crypto.ArgonParallelism,
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	ring, err := session.OpenRing(st, passphrase, params)
	if err != nil {
		st.Close()
		return nil, err
	}

	sessions := session.NewManager(st, ring, params, cfg.Features.Registration)
	sessions.Configure(
		time.Duration(cfg.BBS.SessionTimeoutMinutes)*time.Minute,
		cfg.Auth.MaxFailedLogins,
		time.Duration(cfg.Auth.LockoutMinutes)*time.Minute,
	)
	sessions.SetRegistrationPolicy(cfg.Features.Whitelist, cfg.Features.MaxUsers)

	limiter := ratelimit.New(rateIntervals(cfg.RateLimits))

	routes := rap.New(cfg.BBS.Callsign, st, tr, limiter)
	routes.Configure(cfg.Sync.MailMaxHops, time.Duration(cfg.Sync.RouteTTLHours)*time.Hour,
		cfg.Sync.UnreachableThreshold, cfg.Sync.DeadThreshold)

	mailer := mail.New(cfg.BBS.Callsign, st, tr, routes, limiter, ring)
	mailer.Configure(cfg.Sync.MailMaxHops, time.Duration(cfg.Sync.AckTimeoutSeconds)*time.Second)

	boards := boardsync.New(cfg.BBS.Callsign, st, tr, limiter, ring)
	boards.Configure(cfg.Sync.BatchThreshold, time.Duration(cfg.Sync.BatchIntervalMinutes)*time.Minute)

	dispatcher := command.New(command.Config{
		BBSName:         cfg.BBS.Name,
		Callsign:        cfg.BBS.Callsign,
		MOTD:            cfg.BBS.MOTD,
		MaxSyncedBoards: cfg.Sync.MaxSyncedBoards,
	}, st, sessions, ring, mailer, boards, routes, tr, limiter)

	// Federated mail that lands in a local mailbox pings the owner's nodes.
	mailer.OnDelivered = func(user, fromAddr string) {
		dispatcher.NotifyUser(context.Background(),
			user, fmt.Sprintf("New mail from %s. Use !mail.", fromAddr))
	}

	rt := router.New(cfg.BBS.Callsign, cfg.BBS.Name, st, tr, limiter, routes, mailer, boards, dispatcher)
	rt.Attach()

	scheduler := sched.New(intervals(cfg), st, routes, mailer, boards, sessions, rt, cfg.Database.BackupPath)

	return &BBS{
		cfg:      cfg,
		st:       st,
		ring:     ring,
		sessions: sessions,
		routes:   routes,
		mailer:   mailer,
		boards:   boards,
		rt:       rt,
		sched:    scheduler,
		tr:       tr,
	}, nil
}

// Run greets the peer mesh and serves until ctx is canceled.
func (b *BBS) Run(ctx context.Context) error {
	log.WithFields(logrus.Fields{
		"bbs": b.cfg.BBS.Name, "callsign": b.cfg.BBS.Callsign, "node": b.tr.NodeID(),
	}).Info("on the air")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.rt.Run(ctx) })
	g.Go(func() error { return b.sched.Run(ctx) })
	g.Go(func() error { return b.announceLoop(ctx) })
	if b.cfg.Features.Sync {
		if err := b.rt.Announce(ctx); err != nil {
			log.WithError(err).Warn("startup HELLO round failed")
		}
	}
	return g.Wait()
}

// Close releases the keyring and the database.
func (b *BBS) Close() error {
	b.ring.Close()
	return b.st.Close()
}

// Store exposes the database, mainly for the entrypoint's admin subcommands.
func (b *BBS) Store() *store.Store { return b.st }

// announceLoop broadcasts the MOTD and station stats on the configured
// channel. Interval 0 disables it.
func (b *BBS) announceLoop(ctx context.Context) error {
	interval := time.Duration(b.cfg.BBS.AnnounceIntervalHours) * time.Hour
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
			users, _ := b.st.ListUsers()
			text := fmt.Sprintf("[%s] %s | %d user(s) | msg %s for mailbox access",
				b.cfg.BBS.Name, b.cfg.BBS.MOTD, len(users), b.cfg.BBS.Callsign)
			if err := b.tr.Broadcast(ctx, b.cfg.BBS.AnnounceChannel, text); err != nil {
				log.WithError(err).Warn("announcement broadcast failed")
			}
		}
	}
}

// intervals maps the config onto scheduler periods. Disabled features park
// their loops.
func intervals(cfg *config.Config) sched.Intervals {
	iv := sched.Intervals{
		Heartbeat:  time.Duration(cfg.Sync.HeartbeatHours) * time.Hour,
		RouteShare: time.Duration(cfg.Sync.RouteShareHours) * time.Hour,
		MailRetry:  time.Duration(cfg.Sync.MailRetryMinutes) * time.Minute,
		BoardSweep: 10 * time.Minute,
		Expiry:     time.Hour,
		Sweep:      5 * time.Minute,
		Backup:     time.Duration(cfg.Database.BackupIntervalHours) * time.Hour,
	}
	if cfg.Database.BackupPath == "" {
		iv.Backup = 0
	}
	if !cfg.Features.Sync {
		iv.Heartbeat = 0
		iv.RouteShare = 0
	}
	if !cfg.Features.Mail || !cfg.Features.Sync {
		iv.MailRetry = 0
	}
	if !cfg.Features.Boards || !cfg.Features.Sync {
		iv.BoardSweep = 0
	}
	return iv
}

// rateIntervals maps the config pacing numbers onto limiter classes.
func rateIntervals(rl config.RateLimits) map[ratelimit.Class]ratelimit.Interval {
	iv := ratelimit.Defaults()
	if rl.UnicastMS > 0 {
		iv[ratelimit.ClassUnicast] = ratelimit.Interval{Min: time.Duration(rl.UnicastMS) * time.Millisecond}
	}
	if rl.MailChunkMinMS > 0 {
		iv[ratelimit.ClassMailChunk] = ratelimit.Interval{
			Min: time.Duration(rl.MailChunkMinMS) * time.Millisecond,
			Max: time.Duration(rl.MailChunkMaxMS) * time.Millisecond,
		}
	}
	if rl.BoardChunkMS > 0 {
		iv[ratelimit.ClassBoardChunk] = ratelimit.Interval{Min: time.Duration(rl.BoardChunkMS) * time.Millisecond}
	}
	if rl.SyncReqSeconds > 0 {
		iv[ratelimit.ClassSyncReq] = ratelimit.Interval{Min: time.Duration(rl.SyncReqSeconds) * time.Second}
	}
	return iv
}
