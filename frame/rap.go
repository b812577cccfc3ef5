package frame

import (
	"fmt"
	"strconv"
	"strings"
)

// RouteEntry is one callsign:hop:quality triple in a RAP route table.
type RouteEntry struct {
	Callsign string
	Hop      int
	Quality  float64
}

// EncodeRouteTable renders entries as ;-joined callsign:hop:quality triples.
func EncodeRouteTable(entries []RouteEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("%s:%d:%.2f", e.Callsign, e.Hop, e.Quality))
	}
	return strings.Join(parts, ";")
}

// ParseRouteTable parses a route table string. Entries with bad hop counts
// are skipped rather than failing the whole table; a lossy mesh corrupts
// single entries more often than whole frames.
func ParseRouteTable(s string) []RouteEntry {
	if s == "" {
		return nil
	}
	var entries []RouteEntry
	for _, raw := range strings.Split(s, ";") {
		if raw == "" {
			continue
		}
		parts := strings.Split(raw, ":")
		if len(parts) < 2 {
			continue
		}
		hop, err := strconv.Atoi(parts[1])
		if err != nil || hop < 0 {
			continue
		}
		quality := 1.0
		if len(parts) > 2 {
			if q, err := strconv.ParseFloat(parts[2], 64); err == nil {
				quality = min(1.0, max(0.0, q))
			}
		}
		entries = append(entries, RouteEntry{Callsign: parts[0], Hop: hop, Quality: quality})
	}
	return entries
}

// RAPPing encodes RAP_PING|<ts_us>.
func RAPPing(tsMicros int64) string {
	return Format(TypeRAPPing, strconv.FormatInt(tsMicros, 10))
}

// RAPPong encodes RAP_PONG|<ts_us>|<route_table>.
func RAPPong(pingTsMicros int64, table []RouteEntry) string {
	return Format(TypeRAPPong, strconv.FormatInt(pingTsMicros, 10)+"|"+EncodeRouteTable(table))
}

// RAPRoutes encodes RAP_ROUTES|<route_table>.
func RAPRoutes(table []RouteEntry) string {
	return Format(TypeRAPRoutes, EncodeRouteTable(table))
}

// RAPRoutesFrames renders a table as one or more RAP_ROUTES frames, each
// within MaxFrameLen. The receiver merges route tables incrementally, so a
// split advertisement needs no continuation marker.
func RAPRoutesFrames(table []RouteEntry) []string {
	var frames []string
	for len(table) > 0 {
		n := fitEntries(table, func(batch []RouteEntry) string { return RAPRoutes(batch) })
		frames = append(frames, RAPRoutes(table[:n]))
		table = table[n:]
	}
	return frames
}

// RAPPongFrames renders a PONG reply; table entries that do not fit in the
// PONG frame spill into RAP_ROUTES frames.
func RAPPongFrames(pingTsMicros int64, table []RouteEntry) []string {
	n := fitEntries(table, func(batch []RouteEntry) string { return RAPPong(pingTsMicros, batch) })
	frames := []string{RAPPong(pingTsMicros, table[:n])}
	return append(frames, RAPRoutesFrames(table[n:])...)
}

// fitEntries returns the largest prefix whose encoding stays within
// MaxFrameLen, always at least one entry so a lone oversized entry still
// ships.
func fitEntries(table []RouteEntry, encode func([]RouteEntry) string) int {
	n := len(table)
	for n > 1 && len(encode(table[:n])) > MaxFrameLen {
		n--
	}
	return n
}

// ParseRAPPong splits a PONG payload into the echoed ping timestamp and the
// advertised route table.
func ParseRAPPong(payload string) (pingTsMicros int64, table []RouteEntry) {
	parts := strings.SplitN(payload, "|", 2)
	pingTsMicros, _ = strconv.ParseInt(parts[0], 10, 64)
	if len(parts) > 1 {
		table = ParseRouteTable(parts[1])
	}
	return pingTsMicros, table
}

// Hello encodes HELLO|<callsign>:<name>|<capabilities>.
func Hello(callsign, name string, capabilities []string) string {
	return Format(TypeHello, callsign+":"+name+"|"+strings.Join(capabilities, ","))
}

// HelloInfo is a parsed HELLO payload.
type HelloInfo struct {
	Callsign     string
	Name         string
	Capabilities []string
}

func ParseHello(payload string) HelloInfo {
	parts := strings.SplitN(payload, "|", 2)
	info := HelloInfo{Callsign: parts[0], Name: parts[0]}
	if colon := strings.IndexByte(parts[0], ':'); colon >= 0 {
		info.Callsign = parts[0][:colon]
		info.Name = parts[0][colon+1:]
	}
	if len(parts) > 1 && parts[1] != "" {
		info.Capabilities = strings.Split(parts[1], ",")
	}
	return info
}
