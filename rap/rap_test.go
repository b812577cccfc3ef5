package rap

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/advbbs/advbbs/frame"
	"github.com/advbbs/advbbs/ratelimit"
	"github.com/advbbs/advbbs/store"
	"github.com/advbbs/advbbs/transport"
)

func newTestEngine(t *testing.T, callsign, nodeID string) (*Engine, *transport.Mock, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	mock := transport.NewMock(nodeID)
	// No spacing classes configured: tests run without pacing delays.
	e := New(callsign, st, mock, ratelimit.New(map[ratelimit.Class]ratelimit.Interval{}))
	return e, mock, st
}

func addPeer(t *testing.T, st *store.Store, nodeID, callsign string) {
	t.Helper()
	if err := st.PutPeer(&store.Peer{NodeID: nodeID, Callsign: callsign, Enabled: true}); err != nil {
		t.Fatal(err)
	}
}

func TestPingAnswersWithOwnTable(t *testing.T) {
	e, mock, st := newTestEngine(t, "bbs1", "!a")
	addPeer(t, st, "!b", "BBS2")
	st.PutRoute(&store.Route{Dest: "BBS3", NextHopNode: "!b", HopCount: 2, Quality: 0.9})

	f, err := frame.Parse(frame.RAPPing(12345))
	if err != nil {
		t.Fatal(err)
	}
	if !e.Handle(context.Background(), "!b", f) {
		t.Fatal("ping not handled")
	}

	frames := mock.SentFrames()
	if len(frames) != 1 || frames[0].Dest != "!b" {
		t.Fatalf("sent: %+v", frames)
	}
	pong, err := frame.Parse(frames[0].Text)
	if err != nil || pong.Type != frame.TypeRAPPong {
		t.Fatalf("reply %q err %v", frames[0].Text, err)
	}
	ts, table := frame.ParseRAPPong(pong.Payload)
	if ts != 12345 {
		t.Fatalf("echoed ts %d", ts)
	}
	if len(table) != 2 || table[0].Callsign != "BBS1" || table[0].Hop != 0 {
		t.Fatalf("table: %+v", table)
	}
	if table[1].Callsign != "BBS3" || table[1].Hop != 2 {
		t.Fatalf("table: %+v", table)
	}
}

func TestMergeInstallRules(t *testing.T) {
	e, _, st := newTestEngine(t, "bbs1", "!a")
	addPeer(t, st, "!b", "BBS2")
	addPeer(t, st, "!c", "BBS3")

	// New destination installs at advertised hop + 1.
	e.mergeTable("!b", []frame.RouteEntry{{Callsign: "bbs9", Hop: 1, Quality: 1.0}})
	r, err := st.GetRoute("BBS9")
	if err != nil {
		t.Fatal(err)
	}
	if r.HopCount != 2 || r.NextHopNode != "!b" {
		t.Fatalf("route: %+v", r)
	}

	// Longer path from a different peer is ignored.
	e.mergeTable("!c", []frame.RouteEntry{{Callsign: "bbs9", Hop: 3, Quality: 1.0}})
	r, _ = st.GetRoute("BBS9")
	if r.NextHopNode != "!b" {
		t.Fatal("longer route replaced shorter")
	}

	// Strictly shorter path replaces.
	e.mergeTable("!c", []frame.RouteEntry{{Callsign: "bbs9", Hop: 0, Quality: 1.0}})
	r, _ = st.GetRoute("BBS9")
	if r.NextHopNode != "!c" || r.HopCount != 1 {
		t.Fatalf("route: %+v", r)
	}

	// Own callsign never installs.
	e.mergeTable("!b", []frame.RouteEntry{{Callsign: "BBS1", Hop: 1, Quality: 1.0}})
	if _, err := st.GetRoute("BBS1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("installed route to self")
	}

	// Beyond max hops never installs.
	e.mergeTable("!b", []frame.RouteEntry{{Callsign: "far", Hop: DefaultMaxHops, Quality: 1.0}})
	if _, err := st.GetRoute("FAR"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("installed route past hop limit")
	}
}

func TestEqualHopPrefersQuality(t *testing.T) {
	e, _, st := newTestEngine(t, "bbs1", "!a")
	addPeer(t, st, "!b", "BBS2")
	addPeer(t, st, "!c", "BBS3")

	e.mergeTable("!b", []frame.RouteEntry{{Callsign: "bbs9", Hop: 1, Quality: 0.5}})
	e.mergeTable("!c", []frame.RouteEntry{{Callsign: "bbs9", Hop: 1, Quality: 0.9}})
	r, err := st.GetRoute("BBS9")
	if err != nil {
		t.Fatal(err)
	}
	if r.NextHopNode != "!c" {
		t.Fatalf("kept lower-quality route: %+v", r)
	}
}

func TestCurrentNextHopRefreshes(t *testing.T) {
	e, _, st := newTestEngine(t, "bbs1", "!a")
	addPeer(t, st, "!b", "BBS2")

	e.mergeTable("!b", []frame.RouteEntry{{Callsign: "bbs9", Hop: 1, Quality: 1.0}})
	first, _ := st.GetRoute("BBS9")

	// Same next hop now reports a longer path: believe it.
	e.mergeTable("!b", []frame.RouteEntry{{Callsign: "bbs9", Hop: 3, Quality: 1.0}})
	r, _ := st.GetRoute("BBS9")
	if r.HopCount != 4 {
		t.Fatalf("hop %d, want 4", r.HopCount)
	}
	if r.ExpiresMicros < first.ExpiresMicros {
		t.Fatal("expiry not refreshed")
	}
}

func TestHealthStateMachine(t *testing.T) {
	e, _, st := newTestEngine(t, "bbs1", "!a")
	addPeer(t, st, "!b", "BBS2")
	st.PutRoute(&store.Route{Dest: "BBS9", NextHopNode: "!b", HopCount: 2, Quality: 1.0})
	ctx := context.Background()

	beat := func() {
		if err := e.Heartbeat(ctx); err != nil {
			t.Fatal(err)
		}
	}

	// A peer never heard from gets no grace: unreachable on its first
	// miss. Heartbeat N+1 charges round N.
	beat()
	beat()
	p, _ := st.GetPeer("!b")
	if p.Health != store.HealthUnreachable {
		t.Fatalf("health %q after first miss of an unknown peer", p.Health)
	}

	// A pong revives and clears the counters.
	e.handlePong("!b", "0|")
	p, _ = st.GetPeer("!b")
	if p.Health != store.HealthAlive || p.MissedHeartbeats != 0 || p.TotalMisses != 0 {
		t.Fatalf("peer after pong: %+v", p)
	}

	// An alive peer survives one miss and goes unreachable on the second.
	beat()
	beat()
	p, _ = st.GetPeer("!b")
	if p.Health != store.HealthAlive {
		t.Fatalf("health %q after one miss", p.Health)
	}
	beat()
	p, _ = st.GetPeer("!b")
	if p.Health != store.HealthUnreachable {
		t.Fatalf("health %q after 2 misses", p.Health)
	}

	// Revive, then five total misses: dead, and routes through it are
	// dropped.
	e.handlePong("!b", "0|")
	for i := 0; i < 6; i++ {
		beat()
	}
	p, _ = st.GetPeer("!b")
	if p.Health != store.HealthDead {
		t.Fatalf("health %q after 5 misses", p.Health)
	}
	if _, err := st.GetRoute("BBS9"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("routes via dead peer survived")
	}

	// Dead peers are excluded from next-hop selection even if a route
	// reappears.
	st.PutRoute(&store.Route{Dest: "BBS9", NextHopNode: "!b", HopCount: 2, Quality: 1.0})
	if _, _, err := e.NextHop("BBS9"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("dead next hop returned")
	}

	// And one pong later the peer works again.
	e.handlePong("!b", "0|")
	if _, _, err := e.NextHop("BBS9"); err != nil {
		t.Fatalf("revived next hop rejected: %v", err)
	}
}

func TestConfiguredThresholds(t *testing.T) {
	e, _, st := newTestEngine(t, "bbs1", "!a")
	addPeer(t, st, "!b", "BBS2")
	e.Configure(0, 0, 1, 2)
	ctx := context.Background()

	e.handlePong("!b", "0|") // alive
	e.Heartbeat(ctx)
	e.Heartbeat(ctx) // charges miss 1
	p, _ := st.GetPeer("!b")
	if p.Health != store.HealthUnreachable {
		t.Fatalf("health %q with unreachable threshold 1", p.Health)
	}
	e.Heartbeat(ctx) // charges miss 2
	p, _ = st.GetPeer("!b")
	if p.Health != store.HealthDead {
		t.Fatalf("health %q with dead threshold 2", p.Health)
	}
}

func TestPongSplitsLargeTable(t *testing.T) {
	e, mock, st := newTestEngine(t, "bbs1", "!a")
	addPeer(t, st, "!b", "BBS2")
	for i := 0; i < 30; i++ {
		st.PutRoute(&store.Route{
			Dest:        "FARNODE" + string(rune('A'+i/10)) + string(rune('0'+i%10)),
			NextHopNode: "!b", HopCount: 2, Quality: 0.9,
		})
	}

	e.handlePing(context.Background(), "!b", "777")

	sent := mock.SentFrames()
	if len(sent) < 2 {
		t.Fatalf("large table fit in %d frame(s)", len(sent))
	}
	var got []frame.RouteEntry
	for i, s := range sent {
		if len(s.Text) > frame.MaxFrameLen {
			t.Fatalf("frame %d is %d bytes: %q", i, len(s.Text), s.Text)
		}
		f, err := frame.Parse(s.Text)
		if err != nil {
			t.Fatal(err)
		}
		switch {
		case i == 0 && f.Type == frame.TypeRAPPong:
			ts, table := frame.ParseRAPPong(f.Payload)
			if ts != 777 {
				t.Fatalf("echoed ts %d", ts)
			}
			got = append(got, table...)
		case i > 0 && f.Type == frame.TypeRAPRoutes:
			got = append(got, frame.ParseRouteTable(f.Payload)...)
		default:
			t.Fatalf("frame %d: %s", i, f.Type)
		}
	}
	if len(got) != 31 { // self + 30 routes
		t.Fatalf("reassembled %d entries, want 31", len(got))
	}
}

func TestShareRoutesStaysWithinFrameLimit(t *testing.T) {
	e, mock, st := newTestEngine(t, "bbs1", "!a")
	addPeer(t, st, "!b", "BBS2")
	e.handlePong("!b", "0|") // peer must be alive to receive shares
	for i := 0; i < 30; i++ {
		st.PutRoute(&store.Route{
			Dest:        "FARNODE" + string(rune('A'+i/10)) + string(rune('0'+i%10)),
			NextHopNode: "!b", HopCount: 2, Quality: 0.9,
		})
	}
	mock.Clear()

	if err := e.ShareRoutes(context.Background()); err != nil {
		t.Fatal(err)
	}
	sent := mock.SentFrames()
	if len(sent) < 2 {
		t.Fatalf("large table shared in %d frame(s)", len(sent))
	}
	for i, s := range sent {
		if len(s.Text) > frame.MaxFrameLen {
			t.Fatalf("frame %d is %d bytes", i, len(s.Text))
		}
		f, err := frame.Parse(s.Text)
		if err != nil || f.Type != frame.TypeRAPRoutes {
			t.Fatalf("frame %d: %q err %v", i, s.Text, err)
		}
	}
}

// line builds n engines wired in a line topology over mock transports:
// engine i peers with i-1 and i+1, and every unicast is delivered
// synchronously to the receiving engine.
func line(t *testing.T, n int) ([]*Engine, []*store.Store) {
	t.Helper()
	engines := make([]*Engine, n)
	stores := make([]*store.Store, n)
	mocks := make([]*transport.Mock, n)
	byNode := make(map[string]*Engine, n)

	nodeID := func(i int) string { return "!n" + string(rune('a'+i)) }
	callsign := func(i int) string { return "BBS" + string(rune('1'+i)) }

	for i := 0; i < n; i++ {
		e, mock, st := newTestEngine(t, callsign(i), nodeID(i))
		engines[i], mocks[i], stores[i] = e, mock, st
		byNode[nodeID(i)] = e
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			addPeer(t, stores[i], nodeID(i-1), callsign(i-1))
		}
		if i < n-1 {
			addPeer(t, stores[i], nodeID(i+1), callsign(i+1))
		}
		mocks[i].Forward = func(from, to, text string) {
			f, err := frame.Parse(text)
			if err != nil {
				return
			}
			if e, ok := byNode[to]; ok {
				e.Handle(context.Background(), from, f)
			}
		}
	}
	return engines, stores
}

func TestFiveNodeLineConverges(t *testing.T) {
	engines, stores := line(t, 5)
	ctx := context.Background()

	// Each heartbeat round propagates reachability one hop. Four rounds
	// suffice for a 5-node line.
	for round := 0; round < 4; round++ {
		for _, e := range engines {
			if err := e.Heartbeat(ctx); err != nil {
				t.Fatal(err)
			}
		}
	}

	// Every node routes to every other node with the line-distance hop
	// count.
	for i, st := range stores {
		for j := range engines {
			if i == j {
				continue
			}
			dest := engines[j].Callsign()
			r, err := st.GetRoute(dest)
			if err != nil {
				t.Fatalf("node %d has no route to %s: %v", i, dest, err)
			}
			want := i - j
			if want < 0 {
				want = -want
			}
			if r.HopCount != want {
				t.Fatalf("node %d -> %s: hop %d, want %d", i, dest, r.HopCount, want)
			}
		}
	}

	// End to end: BBS1's next hop toward BBS5 is its only neighbor.
	peer, route, err := engines[0].NextHop(engines[4].Callsign())
	if err != nil {
		t.Fatal(err)
	}
	if route.HopCount != 4 || !strings.EqualFold(peer.Callsign, engines[1].Callsign()) {
		t.Fatalf("peer %s route %+v", peer.Callsign, route)
	}
}
