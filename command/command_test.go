package command

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/advbbs/advbbs/boardsync"
	"github.com/advbbs/advbbs/keyring"
	"github.com/advbbs/advbbs/mail"
	"github.com/advbbs/advbbs/rap"
	"github.com/advbbs/advbbs/ratelimit"
	"github.com/advbbs/advbbs/session"
	"github.com/advbbs/advbbs/store"
	"github.com/advbbs/advbbs/transport"
)

var testParams = keyring.Params{Time: 1, MemoryKB: 64, Parallelism: 1}

type fixture struct {
	d    *Dispatcher
	mock *transport.Mock
	st   *store.Store
}

func newFixture(t *testing.T) *fixture {
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
	d := New(Config{BBSName: "Testnet BBS", Callsign: "BBS1", MaxSyncedBoards: 3},
		st, sessions, ring, mailer, boards, routes, mock, limiter)
	return &fixture{d: d, mock: mock, st: st}
}

// say runs one inbound message and returns everything sent back to that
// node.
func (f *fixture) say(t *testing.T, node, text string) string {
	t.Helper()
	f.mock.Clear()
	f.d.Handle(context.Background(), node, text)
	var out []string
	for _, s := range f.mock.SentFrames() {
		if s.Dest == node {
			out = append(out, s.Text)
		}
	}
	return strings.Join(out, "\n")
}

func TestRegisterAndWhoami(t *testing.T) {
	f := newFixture(t)
	resp := f.say(t, "!n1", "!register alice hunter22")
	if !strings.Contains(resp, "Welcome") || !strings.Contains(resp, "admin") {
		t.Fatalf("resp %q", resp)
	}
	resp = f.say(t, "!n1", "!whoami")
	if !strings.Contains(resp, "alice (admin)") {
		t.Fatalf("resp %q", resp)
	}
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	resp := f.say(t, "!n1", "!mail")
	if !strings.Contains(resp, "Not logged in") {
		t.Fatalf("resp %q", resp)
	}
}

func TestAdminOnly(t *testing.T) {
	f := newFixture(t)
	f.say(t, "!n1", "!register alice hunter22") // admin
	f.say(t, "!n2", "!register bob hunter22")
	resp := f.say(t, "!n2", "!ban alice")
	if resp != "Admin only." {
		t.Fatalf("resp %q", resp)
	}
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)
	resp := f.say(t, "!n1", "!frobnicate")
	if !strings.Contains(resp, "Unknown command") {
		t.Fatalf("resp %q", resp)
	}
}

func TestLocalMailRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.say(t, "!n1", "!register alice hunter22")
	f.say(t, "!n2", "!register bob hunter22")

	resp := f.say(t, "!n1", "!send bob checking in|are you on the air?")
	if !strings.Contains(resp, "delivered to bob") {
		t.Fatalf("send: %q", resp)
	}

	resp = f.say(t, "!n2", "!mail")
	if !strings.Contains(resp, "1 message(s)") || !strings.Contains(resp, "checking in") {
		t.Fatalf("mail: %q", resp)
	}
	resp = f.say(t, "!n2", "!read 1")
	if !strings.Contains(resp, "are you on the air?") || !strings.Contains(resp, "From alice") {
		t.Fatalf("read: %q", resp)
	}

	// Unread count drops after reading.
	n, _ := f.st.CountUnreadMail("bob")
	if n != 0 {
		t.Fatalf("unread %d", n)
	}
}

func TestMailNotificationOnDelivery(t *testing.T) {
	f := newFixture(t)
	f.say(t, "!n1", "!register alice hunter22")
	f.say(t, "!n2", "!register bob hunter22")

	f.mock.Clear()
	f.d.Handle(context.Background(), "!n1", "!send bob hi|there")
	var notified bool
	for _, s := range f.mock.SentFrames() {
		if s.Dest == "!n2" && strings.Contains(s.Text, "New mail from alice") {
			notified = true
		}
	}
	if !notified {
		t.Fatal("recipient not notified")
	}
}

func TestBareTextRepliesWithinWindow(t *testing.T) {
	f := newFixture(t)
	f.say(t, "!n1", "!register alice hunter22")
	f.say(t, "!n2", "!register bob hunter22")
	f.say(t, "!n1", "!send bob subj|original")
	f.say(t, "!n2", "!read 1")

	resp := f.say(t, "!n2", "roger that, see you at the repeater")
	if !strings.Contains(resp, "delivered to alice") {
		t.Fatalf("reply: %q", resp)
	}
	resp = f.say(t, "!n1", "!read 1")
	if !strings.Contains(resp, "Re: subj") || !strings.Contains(resp, "repeater") {
		t.Fatalf("read reply: %q", resp)
	}
}

func TestReplyWindowExpires(t *testing.T) {
	f := newFixture(t)
	f.say(t, "!n1", "!register alice hunter22")
	f.say(t, "!n2", "!register bob hunter22")
	f.say(t, "!n1", "!send bob subj|original")
	f.say(t, "!n2", "!read 1")

	f.d.now = func() time.Time { return time.Now().Add(mailReplyWindow + time.Minute) }
	resp := f.say(t, "!n2", "too late to reply")
	if resp != "" {
		t.Fatalf("expired context still replied: %q", resp)
	}
}

func TestExplicitCommandClearsReplyContext(t *testing.T) {
	f := newFixture(t)
	f.say(t, "!n1", "!register alice hunter22")
	f.say(t, "!n2", "!register bob hunter22")
	f.say(t, "!n1", "!send bob subj|original")
	f.say(t, "!n2", "!read 1")
	f.say(t, "!n2", "!mail") // supersedes the context

	resp := f.say(t, "!n2", "this should go nowhere")
	if resp != "" {
		t.Fatalf("cleared context still replied: %q", resp)
	}
}

func TestReplyCommandUsesContext(t *testing.T) {
	f := newFixture(t)
	f.say(t, "!n1", "!register alice hunter22")
	f.say(t, "!n2", "!register bob hunter22")
	f.say(t, "!n1", "!send bob subj|original")
	f.say(t, "!n2", "!read 1")

	resp := f.say(t, "!n2", "!reply copy all")
	if !strings.Contains(resp, "delivered to alice") {
		t.Fatalf("reply: %q", resp)
	}
	resp = f.say(t, "!n2", "!reply again")
	if !strings.Contains(resp, "Nothing to reply to") {
		t.Fatalf("second reply: %q", resp)
	}
}

func TestBoardPostAndRead(t *testing.T) {
	f := newFixture(t)
	f.say(t, "!n1", "!register alice hunter22")
	if resp := f.say(t, "!n1", "!mkboard general"); !strings.Contains(resp, "created") {
		t.Fatalf("mkboard: %q", resp)
	}
	if resp := f.say(t, "!n1", "!post general wx|storm front tonight"); !strings.Contains(resp, "Posted") {
		t.Fatalf("post: %q", resp)
	}
	resp := f.say(t, "!n1", "!board general")
	if !strings.Contains(resp, "alice") || !strings.Contains(resp, "storm front tonight") {
		t.Fatalf("board: %q", resp)
	}

	// Viewing the board opens a posting context for bare text.
	resp = f.say(t, "!n1", "and clearing by morning")
	if !strings.Contains(resp, "Posted") {
		t.Fatalf("bare post: %q", resp)
	}
}

func TestRestrictedBoardAccess(t *testing.T) {
	f := newFixture(t)
	f.say(t, "!n1", "!register alice hunter22") // admin
	f.say(t, "!n2", "!register bob hunter22")
	f.say(t, "!n1", "!mkboard ops restricted")
	f.say(t, "!n1", "!post ops net|net at 1900")

	resp := f.say(t, "!n2", "!board ops")
	if !strings.Contains(resp, "do not have access") {
		t.Fatalf("unauthorized read: %q", resp)
	}
	if resp := f.say(t, "!n1", "!grant ops bob"); !strings.Contains(resp, "granted") {
		t.Fatalf("grant: %q", resp)
	}
	resp = f.say(t, "!n2", "!board ops")
	if !strings.Contains(resp, "net at 1900") {
		t.Fatalf("authorized read: %q", resp)
	}
	f.say(t, "!n1", "!revoke ops bob")
	resp = f.say(t, "!n2", "!board ops")
	if !strings.Contains(resp, "do not have access") {
		t.Fatalf("revoked read: %q", resp)
	}
}

func TestSyncedBoardCapReported(t *testing.T) {
	f := newFixture(t)
	f.say(t, "!n1", "!register alice hunter22")
	for _, b := range []string{"one", "two", "three"} {
		f.say(t, "!n1", "!mkboard "+b+" synced")
	}
	resp := f.say(t, "!n1", "!mkboard four synced")
	if !strings.Contains(resp, "limit") {
		t.Fatalf("resp %q", resp)
	}
}

func TestBanLogsOutAndBlocks(t *testing.T) {
	f := newFixture(t)
	f.say(t, "!n1", "!register alice hunter22")
	f.say(t, "!n2", "!register bob hunter22")

	if resp := f.say(t, "!n1", "!ban bob spamming"); !strings.Contains(resp, "banned") {
		t.Fatalf("ban: %q", resp)
	}
	if resp := f.say(t, "!n2", "!mail"); !strings.Contains(resp, "Not logged in") {
		t.Fatalf("banned session alive: %q", resp)
	}
	if resp := f.say(t, "!n2", "!login bob hunter22"); !strings.Contains(resp, "banned") {
		t.Fatalf("login: %q", resp)
	}
	f.say(t, "!n1", "!unban bob")
	if resp := f.say(t, "!n2", "!login bob hunter22"); !strings.Contains(resp, "Hello bob") {
		t.Fatalf("login after unban: %q", resp)
	}
}

func TestRecoverFlow(t *testing.T) {
	f := newFixture(t)
	f.say(t, "!n1", "!register alice hunter22")
	f.say(t, "!n2", "!register bob hunter22")

	resp := f.say(t, "!n1", "!recover bob")
	if !strings.Contains(resp, "Temporary password for bob:") {
		t.Fatalf("recover: %q", resp)
	}
	temp := strings.Fields(strings.SplitAfter(resp, "bob:")[1])[0]

	resp = f.say(t, "!n2", "!login bob "+temp)
	if !strings.Contains(resp, "must change your password") {
		t.Fatalf("temp login: %q", resp)
	}
	// Everything but passwd is refused until the change.
	if resp := f.say(t, "!n2", "!mail"); !strings.Contains(resp, "change your password") {
		t.Fatalf("gate: %q", resp)
	}
	if resp := f.say(t, "!n2", "!passwd "+temp+" freshpass99"); !strings.Contains(resp, "changed") {
		t.Fatalf("passwd: %q", resp)
	}
	if resp := f.say(t, "!n2", "!mail"); !strings.Contains(resp, "No mail") {
		t.Fatalf("after change: %q", resp)
	}
}

func TestLongResponseIsChunked(t *testing.T) {
	f := newFixture(t)
	f.say(t, "!n1", "!register alice hunter22")
	f.say(t, "!n1", "!mkboard general")
	for i := 0; i < 8; i++ {
		f.say(t, "!n1", "!post general a somewhat longer subject line|and a body with enough words to fill the frame comfortably")
	}
	f.mock.Clear()
	f.d.Handle(context.Background(), "!n1", "!board general 8")
	frames := f.mock.SentFrames()
	if len(frames) < 2 {
		t.Fatalf("expected chunked response, got %d frames", len(frames))
	}
	if !strings.HasPrefix(frames[0].Text, "[1/") {
		t.Fatalf("first chunk %q", frames[0].Text)
	}
}

func TestRedactArgs(t *testing.T) {
	got := redactArgs("login", []string{"alice", "hunter22"})
	if got[0] != "alice" || got[1] != "***" {
		t.Fatalf("login: %v", got)
	}
	got = redactArgs("passwd", []string{"old", "new"})
	if got[0] != "***" || got[1] != "***" {
		t.Fatalf("passwd: %v", got)
	}
	got = redactArgs("send", []string{"bob", "subject"})
	if got[0] != "bob" {
		t.Fatalf("send: %v", got)
	}
}

func TestAnnounceBroadcasts(t *testing.T) {
	f := newFixture(t)
	f.say(t, "!n1", "!register alice hunter22")
	f.mock.Clear()
	f.d.Handle(context.Background(), "!n1", "!announce net tonight 1900 local")
	var broadcast bool
	for _, s := range f.mock.SentFrames() {
		if s.Dest == "" && strings.Contains(s.Text, "net tonight") {
			broadcast = true
		}
	}
	if !broadcast {
		t.Fatal("no broadcast sent")
	}
}

func TestInfoShowsMOTDWithoutLogin(t *testing.T) {
	f := newFixture(t)
	resp := f.say(t, "!n1", "!info")
	if !strings.Contains(resp, "Testnet BBS (BBS1)") {
		t.Fatalf("resp %q", resp)
	}
}

func TestWhoListsActiveUsers(t *testing.T) {
	f := newFixture(t)
	f.say(t, "!n1", "!register alice hunter22")
	f.say(t, "!n2", "!register bob hunter22")
	resp := f.say(t, "!n1", "!who")
	if !strings.Contains(resp, "alice") || !strings.Contains(resp, "bob") {
		t.Fatalf("resp %q", resp)
	}
}

func TestNodesListsBindings(t *testing.T) {
	f := newFixture(t)
	f.say(t, "!n1", "!register alice hunter22")
	f.say(t, "!n1", "!addnode !n9")
	resp := f.say(t, "!n1", "!nodes")
	if !strings.Contains(resp, "!n1 [primary]") || !strings.Contains(resp, "!n9") {
		t.Fatalf("resp %q", resp)
	}
}

func TestDeleteMail(t *testing.T) {
	f := newFixture(t)
	f.say(t, "!n1", "!register alice hunter22")
	f.say(t, "!n2", "!register bob hunter22")
	f.say(t, "!n1", "!send bob ping|hello")

	resp := f.say(t, "!n2", "!delete 1")
	if !strings.Contains(resp, "deleted") {
		t.Fatalf("resp %q", resp)
	}
	if resp := f.say(t, "!n2", "!mail"); resp != "No mail." {
		t.Fatalf("mail after delete: %q", resp)
	}
	if resp := f.say(t, "!n2", "!delete 1"); !strings.Contains(resp, "No message") {
		t.Fatalf("resp %q", resp)
	}
}

func TestSentShowsDeliveryGlyphs(t *testing.T) {
	f := newFixture(t)
	f.say(t, "!n1", "!register alice hunter22")
	f.say(t, "!n2", "!register bob hunter22")
	f.say(t, "!n1", "!send bob local|delivered at once")
	f.say(t, "!n1", "!send carol@FAR remote|spooled for later")

	resp := f.say(t, "!n1", "!sent")
	if !strings.Contains(resp, "2 sent:") {
		t.Fatalf("resp %q", resp)
	}
	if !strings.Contains(resp, "+ bob") {
		t.Fatalf("local glyph missing: %q", resp)
	}
	if !strings.Contains(resp, "~ carol@FAR") {
		t.Fatalf("pending glyph missing: %q", resp)
	}
}

func TestQuitAliasLogsOut(t *testing.T) {
	f := newFixture(t)
	f.say(t, "!n1", "!register alice hunter22")
	resp := f.say(t, "!n1", "!q")
	if !strings.Contains(resp, "Logged out") {
		t.Fatalf("resp %q", resp)
	}
	if resp := f.say(t, "!n1", "!mail"); !strings.Contains(resp, "Not logged in") {
		t.Fatalf("resp %q", resp)
	}
}
