package store

import (
	"errors"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMasterSaltGeneratedOnce(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	salt1, err := s.MasterSalt()
	if err != nil {
		t.Fatal(err)
	}
	if len(salt1) == 0 {
		t.Fatal("no salt generated")
	}
	s.Close()

	s, err = Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	salt2, err := s.MasterSalt()
	if err != nil {
		t.Fatal(err)
	}
	if string(salt1) != string(salt2) {
		t.Fatal("salt changed across restarts")
	}
}

func TestBlankedSaltWithUsersRefusesToOpen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"alice", "bob", "carol"} {
		if err := s.CreateUser(&User{Name: name}, "!node-"+name); err != nil {
			t.Fatal(err)
		}
	}
	path := s.DatabasePath()
	s.Close()

	// Blank the salt row out-of-band, simulating a mangled restore.
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).Delete(masterSaltKey)
	})
	db.Close()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Open(dir); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("want ErrCorrupt, got %v", err)
	}
}

func TestInsertMessageDedup(t *testing.T) {
	s := openTestStore(t)
	m := &Message{UUID: "u-1", Kind: KindMail, Recipient: "alice", BodyEnc: []byte{1}}
	if err := s.InsertMessage(m); err != nil {
		t.Fatal(err)
	}
	first, err := s.GetMessage("u-1")
	if err != nil {
		t.Fatal(err)
	}

	dup := &Message{UUID: "u-1", Kind: KindMail, Recipient: "alice", BodyEnc: []byte{2}}
	if err := s.InsertMessage(dup); !errors.Is(err, ErrDuplicateUUID) {
		t.Fatalf("want ErrDuplicateUUID, got %v", err)
	}
	after, err := s.GetMessage("u-1")
	if err != nil {
		t.Fatal(err)
	}
	if after.UpdatedMicros != first.UpdatedMicros {
		t.Fatal("duplicate insert touched updated_at")
	}
	if after.BodyEnc[0] != 1 {
		t.Fatal("duplicate insert replaced row")
	}
}

func TestMailForUserOldestFirst(t *testing.T) {
	s := openTestStore(t)
	for i, uuid := range []string{"m-c", "m-a", "m-b"} {
		m := &Message{
			UUID: uuid, Kind: KindMail, Recipient: "Alice",
			BodyEnc:       []byte{1},
			CreatedMicros: int64((3 - i) * 1000),
		}
		if err := s.InsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}
	msgs, err := s.MailForUser("alice", false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedMicros < msgs[i-1].CreatedMicros {
			t.Fatal("not oldest-first")
		}
	}
}

func TestUnreadMailFilter(t *testing.T) {
	s := openTestStore(t)
	s.InsertMessage(&Message{UUID: "r1", Kind: KindMail, Recipient: "bob", BodyEnc: []byte{1}, ReadMicros: 5})
	s.InsertMessage(&Message{UUID: "r2", Kind: KindMail, Recipient: "bob", BodyEnc: []byte{1}})
	n, err := s.CountUnreadMail("bob")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("unread = %d, want 1", n)
	}
}

func TestBindings(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateUser(&User{Name: "Dana"}, "!n1"); err != nil {
		t.Fatal(err)
	}
	bound, err := s.IsBound("dana", "!n1")
	if err != nil || !bound {
		t.Fatalf("registration binding missing: %v", err)
	}

	// Removing the only binding is forbidden.
	if err := s.RemoveBinding("dana", "!n1"); !errors.Is(err, ErrLastBinding) {
		t.Fatalf("want ErrLastBinding, got %v", err)
	}

	if err := s.AddBinding("dana", "!n2"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveBinding("dana", "!n1"); err != nil {
		t.Fatal(err)
	}
	bindings, err := s.UserBindings("dana")
	if err != nil {
		t.Fatal(err)
	}
	if len(bindings) != 1 || bindings[0].NodeID != "!n2" {
		t.Fatalf("bindings: %+v", bindings)
	}
}

func TestSyncedBoardCap(t *testing.T) {
	s := openTestStore(t)
	names := []string{"general", "tech", "trade", "fourth"}
	for i, name := range names {
		if err := s.CreateBoard(&Board{Name: name, Type: BoardPublic, Synced: i < 3}); err != nil {
			t.Fatal(err)
		}
	}
	err := s.SetBoardSynced("fourth", true, 3)
	if !errors.Is(err, ErrSyncedBoardCap) {
		t.Fatalf("want ErrSyncedBoardCap, got %v", err)
	}
	// Disabling one frees a slot.
	if err := s.SetBoardSynced("tech", false, 3); err != nil {
		t.Fatal(err)
	}
	if err := s.SetBoardSynced("fourth", true, 3); err != nil {
		t.Fatal(err)
	}
}

func TestRouteExpiry(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UnixMicro()
	s.PutRoute(&Route{Dest: "b2", NextHopNode: "!p1", HopCount: 2, ExpiresMicros: now - 1})
	s.PutRoute(&Route{Dest: "B3", NextHopNode: "!p1", HopCount: 3, ExpiresMicros: now + 1_000_000})

	n, err := s.ExpireRoutes(now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expired %d, want 1", n)
	}
	if _, err := s.GetRoute("B2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired route still present: %v", err)
	}
	if _, err := s.GetRoute("b3"); err != nil {
		t.Fatalf("live route lost: %v", err)
	}
}

func TestDeleteRoutesVia(t *testing.T) {
	s := openTestStore(t)
	s.PutRoute(&Route{Dest: "B2", NextHopNode: "!p1", HopCount: 2})
	s.PutRoute(&Route{Dest: "B3", NextHopNode: "!p2", HopCount: 2})
	n, err := s.DeleteRoutesVia("!p1")
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestSyncLog(t *testing.T) {
	s := openTestStore(t)
	if err := s.LogSync("u-1", "!peer", DirSent, SyncPending); err != nil {
		t.Fatal(err)
	}
	if err := s.LogSync("u-1", "!peer", DirSent, SyncAcked); err != nil {
		t.Fatal(err)
	}
	status, err := s.SyncStatus("u-1", "!peer", DirSent)
	if err != nil {
		t.Fatal(err)
	}
	if status != SyncAcked {
		t.Fatalf("status %q", status)
	}
	// Directions are independent.
	status, _ = s.SyncStatus("u-1", "!peer", DirReceived)
	if status != "" {
		t.Fatalf("received status %q, want empty", status)
	}
}

func TestExpireMessages(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UnixMicro()
	s.InsertMessage(&Message{UUID: "old", Kind: KindBulletin, Board: "general", BodyEnc: []byte{1}, ExpiresMicros: now - 1})
	s.InsertMessage(&Message{UUID: "new", Kind: KindBulletin, Board: "general", BodyEnc: []byte{1}, ExpiresMicros: now + 1_000_000})
	n, err := s.ExpireMessages(now)
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	posts, err := s.BoardPosts("general", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(posts) != 1 || posts[0].UUID != "new" {
		t.Fatalf("posts: %+v", posts)
	}
}
