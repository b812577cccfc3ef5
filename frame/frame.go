package frame

import (
	"errors"
	"fmt"
	"strings"
)

// Frame types
const (
	TypeHello     = "HELLO"
	TypeSyncAck   = "SYNC_ACK"
	TypeRAPPing   = "RAP_PING"
	TypeRAPPong   = "RAP_PONG"
	TypeRAPRoutes = "RAP_ROUTES"
	TypeMailReq   = "MAILREQ"
	TypeMailAck   = "MAILACK"
	TypeMailNak   = "MAILNAK"
	TypeMailDat   = "MAILDAT"
	TypeMailDlv   = "MAILDLV"
	TypeBoardReq  = "BOARDREQ"
	TypeBoardAck  = "BOARDACK"
	TypeBoardNak  = "BOARDNAK"
	TypeBoardDat  = "BOARDDAT"
	TypeBoardDlv  = "BOARDDLV"
)

const (
	// Proto is the root framing prefix. A prior "FQ51" prefix is a
	// migration artifact and is rejected at parse time.
	Proto   = "advBBS"
	Version = "1"

	staleProto = "FQ51"

	// MaxFrameLen is the transport payload limit after chunker framing.
	MaxFrameLen = 237
)

var (
	ErrMalformed  = errors.New("malformed frame")
	ErrStaleProto = errors.New("stale FQ51 protocol prefix")
)

var validTypes = map[string]bool{
	TypeHello: true, TypeSyncAck: true,
	TypeRAPPing: true, TypeRAPPong: true, TypeRAPRoutes: true,
	TypeMailReq: true, TypeMailAck: true, TypeMailNak: true,
	TypeMailDat: true, TypeMailDlv: true,
	TypeBoardReq: true, TypeBoardAck: true, TypeBoardNak: true,
	TypeBoardDat: true, TypeBoardDlv: true,
}

// Frame is a parsed protocol frame: advBBS|<version>|<type>|<payload>.
type Frame struct {
	Version string
	Type    string
	Payload string
}

// Format builds the wire text for a frame.
func Format(frameType, payload string) string {
	if payload == "" {
		return Proto + "|" + Version + "|" + frameType
	}
	return Proto + "|" + Version + "|" + frameType + "|" + payload
}

// IsProtocol reports whether raw looks like a protocol frame (current or
// stale prefix). Non-protocol text belongs to the user command path.
func IsProtocol(raw string) bool {
	return strings.HasPrefix(raw, Proto+"|") || strings.HasPrefix(raw, staleProto+"|")
}

// Parse parses a protocol frame. The stale FQ51 prefix is rejected with
// ErrStaleProto, never interpreted.
func Parse(raw string) (*Frame, error) {
	if strings.HasPrefix(raw, staleProto+"|") {
		return nil, ErrStaleProto
	}
	if !strings.HasPrefix(raw, Proto+"|") {
		return nil, fmt.Errorf("%w: missing %s prefix", ErrMalformed, Proto)
	}
	parts := strings.SplitN(raw, "|", 4)
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: %d fields", ErrMalformed, len(parts))
	}
	f := &Frame{Version: parts[1], Type: parts[2]}
	if f.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrMalformed, f.Version)
	}
	if !validTypes[f.Type] {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, f.Type)
	}
	if len(parts) == 4 {
		f.Payload = parts[3]
	}
	return f, nil
}

// Sanitize replaces pipe characters in user content so that positional
// fields survive the wire. Applied to anything user-authored before it is
// embedded into a frame payload.
func Sanitize(s string) string {
	return strings.ReplaceAll(s, "|", "¦")
}
