package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "transport")

// Bridge speaks a newline-delimited control protocol to an external radio
// bridge process, which owns the actual mesh hardware:
//
//	> ID                          < ID|<nodeid>
//	> TX|<dest>|<text>
//	> TXA|<seq>|<dest>|<text>     < ACK|<seq>|<ok|fail>|<detail>
//	> BC|<channel>|<text>
//	                              < RX|<sender>|<channel>|<text>
//
// Text fields are pipe-free by protocol construction (frames substitute
// user pipes before sending), so positional parsing is safe.
type Bridge struct {
	conn   net.Conn
	nodeID string

	mu      sync.Mutex
	w       *bufio.Writer
	handler Handler
	seq     int
	acks    map[int]*AckSignal
}

// DialBridge connects and performs the ID exchange.
func DialBridge(addr string, timeout time.Duration) (*Bridge, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dialing radio bridge: %w", err)
	}
	b := &Bridge{
		conn: conn,
		w:    bufio.NewWriter(conn),
		acks: make(map[int]*AckSignal),
	}
	r := bufio.NewReader(conn)
	if err := b.writeLine("ID"); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := r.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading bridge ID: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	fields := strings.SplitN(strings.TrimRight(line, "\r\n"), "|", 2)
	if len(fields) != 2 || fields[0] != "ID" || fields[1] == "" {
		conn.Close()
		return nil, fmt.Errorf("bad bridge ID line %q", strings.TrimSpace(line))
	}
	b.nodeID = fields[1]
	go b.readLoop(r)
	return b, nil
}

func (b *Bridge) NodeID() string { return b.nodeID }

func (b *Bridge) OnReceive(h Handler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

func (b *Bridge) SendUnicast(_ context.Context, nodeID, text string) error {
	return b.writeLine("TX|" + nodeID + "|" + text)
}

func (b *Bridge) SendUnicastAwaitAck(ctx context.Context, nodeID, text string, timeout time.Duration) (bool, string, error) {
	sig := NewAckSignal()
	b.mu.Lock()
	b.seq++
	seq := b.seq
	b.acks[seq] = sig
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.acks, seq)
		b.mu.Unlock()
	}()

	if err := b.writeLine(fmt.Sprintf("TXA|%d|%s|%s", seq, nodeID, text)); err != nil {
		return false, "", err
	}
	return sig.Wait(ctx, timeout)
}

func (b *Bridge) Broadcast(_ context.Context, channel int, text string) error {
	return b.writeLine(fmt.Sprintf("BC|%d|%s", channel, text))
}

func (b *Bridge) Close() error { return b.conn.Close() }

func (b *Bridge) writeLine(line string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.w.WriteString(line + "\n"); err != nil {
		return err
	}
	return b.w.Flush()
}

func (b *Bridge) readLoop(r *bufio.Reader) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			log.WithError(err).Info("bridge connection closed")
			return
		}
		b.dispatch(strings.TrimRight(line, "\r\n"))
	}
}

func (b *Bridge) dispatch(line string) {
	switch {
	case strings.HasPrefix(line, "RX|"):
		fields := strings.SplitN(line, "|", 4)
		if len(fields) != 4 {
			log.WithField("line", line).Warn("short RX line")
			return
		}
		channel, err := strconv.Atoi(fields[2])
		if err != nil {
			log.WithField("line", line).Warn("bad RX channel")
			return
		}
		b.mu.Lock()
		h := b.handler
		b.mu.Unlock()
		if h != nil {
			h(Inbound{Sender: fields[1], Channel: channel, Text: fields[3]})
		}
	case strings.HasPrefix(line, "ACK|"):
		fields := strings.SplitN(line, "|", 4)
		if len(fields) < 3 {
			log.WithField("line", line).Warn("short ACK line")
			return
		}
		seq, err := strconv.Atoi(fields[1])
		if err != nil {
			return
		}
		detail := ""
		if len(fields) == 4 {
			detail = fields[3]
		}
		b.mu.Lock()
		sig := b.acks[seq]
		b.mu.Unlock()
		if sig != nil {
			sig.Resolve(fields[2] == "ok", detail)
		}
	default:
		log.WithField("line", line).Debug("unknown bridge line")
	}
}
