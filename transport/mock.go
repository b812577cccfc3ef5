package transport

import (
	"context"
	"sync"
	"time"
)

// Sent records one outbound frame on a Mock.
type Sent struct {
	Dest    string // node ID, or "" for broadcast
	Channel int
	Text    string
	WantAck bool
}

// Mock is an in-memory Transport for tests: records sends, lets tests
// inject inbound frames, and answers awaited ACKs from a configurable
// script.
type Mock struct {
	mu       sync.Mutex
	nodeID   string
	sent     []Sent
	handlers []Handler

	// AckFunc decides awaited-ack outcomes. Nil means every send is
	// delivered immediately.
	AckFunc func(dest, text string) (bool, string)

	// Forward, when set, is invoked with every unicast so tests can wire
	// several mocks into a virtual mesh.
	Forward func(from, to, text string)
}

func NewMock(nodeID string) *Mock {
	return &Mock{nodeID: nodeID}
}

func (m *Mock) NodeID() string { return m.nodeID }

func (m *Mock) OnReceive(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

func (m *Mock) SendUnicast(_ context.Context, nodeID, text string) error {
	m.record(Sent{Dest: nodeID, Text: text})
	if m.Forward != nil {
		m.Forward(m.nodeID, nodeID, text)
	}
	return nil
}

func (m *Mock) SendUnicastAwaitAck(_ context.Context, nodeID, text string, _ time.Duration) (bool, string, error) {
	m.record(Sent{Dest: nodeID, Text: text, WantAck: true})
	if m.Forward != nil {
		m.Forward(m.nodeID, nodeID, text)
	}
	if m.AckFunc != nil {
		ok, detail := m.AckFunc(nodeID, text)
		return ok, detail, nil
	}
	return true, "", nil
}

func (m *Mock) Broadcast(_ context.Context, channel int, text string) error {
	m.record(Sent{Channel: channel, Text: text})
	return nil
}

// SimulateReceive delivers an inbound frame to every registered handler,
// the way a radio driver would from its receive thread.
func (m *Mock) SimulateReceive(sender, text string) {
	m.mu.Lock()
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(Inbound{Sender: sender, Text: text})
	}
}

// SentFrames returns a copy of everything sent so far.
func (m *Mock) SentFrames() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}

// Clear drops the send history.
func (m *Mock) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

func (m *Mock) record(s Sent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, s)
}
