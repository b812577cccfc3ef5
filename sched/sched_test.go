package sched

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/advbbs/advbbs/boardsync"
	"github.com/advbbs/advbbs/command"
	"github.com/advbbs/advbbs/keyring"
	"github.com/advbbs/advbbs/mail"
	"github.com/advbbs/advbbs/rap"
	"github.com/advbbs/advbbs/ratelimit"
	"github.com/advbbs/advbbs/router"
	"github.com/advbbs/advbbs/session"
	"github.com/advbbs/advbbs/store"
	"github.com/advbbs/advbbs/transport"
)

var testParams = keyring.Params{Time: 1, MemoryKB: 64, Parallelism: 1}

func newScheduler(t *testing.T, iv Intervals, backupPath string) *Scheduler {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	ring, err := session.OpenRing(st, "operator", testParams)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ring.Close)
	sessions := session.NewManager(st, ring, testParams, session.RegistrationOpen)
	mock := transport.NewMock("!bbs")
	limiter := ratelimit.New(map[ratelimit.Class]ratelimit.Interval{})
	routes := rap.New("BBS1", st, mock, limiter)
	mailer := mail.New("BBS1", st, mock, routes, limiter, ring)
	boards := boardsync.New("BBS1", st, mock, limiter, ring)
	d := command.New(command.Config{BBSName: "Testnet BBS", Callsign: "BBS1", MaxSyncedBoards: 3},
		st, sessions, ring, mailer, boards, routes, mock, limiter)
	rt := router.New("BBS1", "Testnet BBS", st, mock, limiter, routes, mailer, boards, d)
	return New(iv, st, routes, mailer, boards, sessions, rt, backupPath)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := newScheduler(t, DefaultIntervals(), "")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestZeroIntervalsParkAllLoops(t *testing.T) {
	s := newScheduler(t, Intervals{}, "")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := s.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestBackupWritesSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.db")
	s := newScheduler(t, DefaultIntervals(), path)

	s.backup(context.Background())

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() == 0 {
		t.Fatal("empty backup")
	}
}

func TestBackupDisabledWithoutPath(t *testing.T) {
	s := newScheduler(t, DefaultIntervals(), "")
	s.backup(context.Background()) // must not panic or create files
}
