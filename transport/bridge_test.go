package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeBridge accepts one connection and answers the control protocol.
type fakeBridge struct {
	ln    net.Listener
	lines chan string

	mu   sync.Mutex
	conn net.Conn
}

func newFakeBridge(t *testing.T) *fakeBridge {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	fb := &fakeBridge{ln: ln, lines: make(chan string, 16)}
	t.Cleanup(func() { ln.Close() })
	go fb.serve()
	return fb
}

func (fb *fakeBridge) serve() {
	conn, err := fb.ln.Accept()
	if err != nil {
		return
	}
	fb.mu.Lock()
	fb.conn = conn
	fb.mu.Unlock()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "ID":
			fmt.Fprintf(conn, "ID|!node1\n")
		case strings.HasPrefix(line, "TXA|"):
			seq := strings.SplitN(line, "|", 4)[1]
			fb.lines <- line
			fmt.Fprintf(conn, "ACK|%s|ok|\n", seq)
		default:
			fb.lines <- line
		}
	}
}

func (fb *fakeBridge) send(line string) {
	fb.mu.Lock()
	conn := fb.conn
	fb.mu.Unlock()
	fmt.Fprintf(conn, "%s\n", line)
}

func (fb *fakeBridge) next(t *testing.T) string {
	t.Helper()
	select {
	case line := <-fb.lines:
		return line
	case <-time.After(5 * time.Second):
		t.Fatal("no line from bridge client")
		return ""
	}
}

func dialTest(t *testing.T, fb *fakeBridge) *Bridge {
	t.Helper()
	b, err := DialBridge(fb.ln.Addr().String(), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBridgeHandshake(t *testing.T) {
	b := dialTest(t, newFakeBridge(t))
	if b.NodeID() != "!node1" {
		t.Fatalf("NodeID = %q", b.NodeID())
	}
}

func TestBridgeUnicastAndBroadcast(t *testing.T) {
	fb := newFakeBridge(t)
	b := dialTest(t, fb)

	if err := b.SendUnicast(context.Background(), "!n9", "ping"); err != nil {
		t.Fatal(err)
	}
	if got := fb.next(t); got != "TX|!n9|ping" {
		t.Fatalf("line %q", got)
	}
	if err := b.Broadcast(context.Background(), 2, "hello all"); err != nil {
		t.Fatal(err)
	}
	if got := fb.next(t); got != "BC|2|hello all" {
		t.Fatalf("line %q", got)
	}
}

func TestBridgeAwaitAck(t *testing.T) {
	fb := newFakeBridge(t)
	b := dialTest(t, fb)

	delivered, _, err := b.SendUnicastAwaitAck(context.Background(), "!n9", "data", 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !delivered {
		t.Fatal("not delivered")
	}
	if got := fb.next(t); !strings.HasPrefix(got, "TXA|") || !strings.HasSuffix(got, "|!n9|data") {
		t.Fatalf("line %q", got)
	}
}

func TestBridgeInbound(t *testing.T) {
	fb := newFakeBridge(t)
	b := dialTest(t, fb)

	got := make(chan Inbound, 1)
	b.OnReceive(func(in Inbound) { got <- in })
	fb.send("RX|!n2|0|hello there")

	select {
	case in := <-got:
		if in.Sender != "!n2" || in.Channel != 0 || in.Text != "hello there" {
			t.Fatalf("inbound %+v", in)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound")
	}
}

func TestBridgeRejectsBadHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		fmt.Fprintf(conn, "WAT\n")
	}()

	if _, err := DialBridge(ln.Addr().String(), 2*time.Second); err == nil {
		t.Fatal("bad handshake accepted")
	}
}
