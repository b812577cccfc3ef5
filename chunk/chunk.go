// Package chunk splits outbound payloads into sequenced fragments sized for
// the radio MTU and reassembles inbound fragments with a hybrid timeout.
package chunk

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderReserve is the byte budget held back for the "[k/n] " prefix.
	HeaderReserve = 8

	// DefaultContentSize is the per-fragment content budget: the 150-byte
	// usable text frame minus the header reserve.
	DefaultContentSize = 142

	DefaultChunkTimeout = 120 * time.Second
	DefaultTotalTimeout = 600 * time.Second
)

var ErrTooLarge = errors.New("payload exceeds max chunks")

// Split returns the payload unchanged when it fits in contentSize bytes,
// otherwise a "[k/n] "-prefixed fragment per piece. maxChunks bounds n;
// 0 means unbounded.
func Split(payload string, contentSize, maxChunks int) ([]string, error) {
	if contentSize <= 0 {
		contentSize = DefaultContentSize
	}
	if len(payload) <= contentSize {
		return []string{payload}, nil
	}
	total := (len(payload) + contentSize - 1) / contentSize
	if maxChunks > 0 && total > maxChunks {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, total, maxChunks)
	}
	parts := make([]string, 0, total)
	for i := 0; i < total; i++ {
		start := i * contentSize
		end := min(start+contentSize, len(payload))
		parts = append(parts, fmt.Sprintf("[%d/%d] %s", i+1, total, payload[start:end]))
	}
	return parts, nil
}

// parseHeader extracts a "[k/n] " prefix. ok is false for plain payloads.
func parseHeader(text string) (seq, total int, rest string, ok bool) {
	if len(text) < 2 || text[0] != '[' {
		return 0, 0, "", false
	}
	close := strings.Index(text, "] ")
	if close < 0 {
		return 0, 0, "", false
	}
	marker := text[1:close]
	slash := strings.IndexByte(marker, '/')
	if slash < 0 {
		return 0, 0, "", false
	}
	seq, err := strconv.Atoi(marker[:slash])
	if err != nil {
		return 0, 0, "", false
	}
	total, err = strconv.Atoi(marker[slash+1:])
	if err != nil || total < 1 || seq < 1 || seq > total {
		return 0, 0, "", false
	}
	return seq, total, text[close+2:], true
}

type bufferKey struct {
	sender string
	total  int
}

type buffer struct {
	parts     map[int]string
	created   time.Time // total-timeout anchor
	lastChunk time.Time // sliding per-chunk anchor
}

// Reassembler buffers inbound fragments keyed by (sender, total) until a
// payload completes or its buffer expires.
type Reassembler struct {
	mu           sync.Mutex
	buffers      map[bufferKey]*buffer
	chunkTimeout time.Duration
	totalTimeout time.Duration
	now          func() time.Time
}

func NewReassembler(chunkTimeout, totalTimeout time.Duration) *Reassembler {
	if chunkTimeout <= 0 {
		chunkTimeout = DefaultChunkTimeout
	}
	if totalTimeout <= 0 {
		totalTimeout = DefaultTotalTimeout
	}
	return &Reassembler{
		buffers:      make(map[bufferKey]*buffer),
		chunkTimeout: chunkTimeout,
		totalTimeout: totalTimeout,
		now:          time.Now,
	}
}

// Add feeds one inbound text. A payload without a chunk header completes
// immediately. Returns the assembled payload and done=true on completion.
func (r *Reassembler) Add(sender, text string) (payload string, done bool) {
	seq, total, rest, ok := parseHeader(text)
	if !ok {
		return text, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := bufferKey{sender: sender, total: total}
	now := r.now()
	buf, exists := r.buffers[key]
	if exists && r.expired(buf, now) {
		delete(r.buffers, key)
		exists = false
	}
	if !exists {
		buf = &buffer{parts: make(map[int]string), created: now}
		r.buffers[key] = buf
	}
	buf.parts[seq] = rest
	buf.lastChunk = now

	if len(buf.parts) < total {
		return "", false
	}

	var sb strings.Builder
	for i := 1; i <= total; i++ {
		sb.WriteString(buf.parts[i])
	}
	delete(r.buffers, key)
	return sb.String(), true
}

// Sweep drops every buffer past either timeout. Returns the number dropped.
func (r *Reassembler) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	dropped := 0
	for key, buf := range r.buffers {
		if r.expired(buf, now) {
			delete(r.buffers, key)
			dropped++
		}
	}
	return dropped
}

// Pending reports the number of incomplete buffers.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}

func (r *Reassembler) expired(buf *buffer, now time.Time) bool {
	return now.Sub(buf.lastChunk) > r.chunkTimeout || now.Sub(buf.created) > r.totalTimeout
}
