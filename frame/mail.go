package frame

import (
	"fmt"
	"strconv"
	"strings"
)

// MAILNAK reason codes.
const (
	NakNoUser  = "NOUSER"
	NakNoRoute = "NOROUTE"
	NakLoop    = "LOOP"
	NakMaxHops = "MAXHOPS"
)

// MailReq is a MAILREQ payload:
// <uuid>|<from_user>|<from_bbs>|<to_user>|<to_bbs>|<hop>|<num_parts>|<route_csv>
type MailReq struct {
	UUID     string
	FromUser string
	FromBBS  string
	ToUser   string
	ToBBS    string
	Hop      int
	NumParts int
	Route    []string
}

func (r *MailReq) Encode() string {
	return Format(TypeMailReq, fmt.Sprintf("%s|%s|%s|%s|%s|%d|%d|%s",
		r.UUID, r.FromUser, r.FromBBS, r.ToUser, r.ToBBS,
		r.Hop, r.NumParts, strings.Join(r.Route, ",")))
}

// RouteContains reports whether the accumulated route already includes the
// given callsign. Callsigns compare case-insensitively.
func (r *MailReq) RouteContains(callsign string) bool {
	for _, c := range r.Route {
		if strings.EqualFold(c, callsign) {
			return true
		}
	}
	return false
}

func ParseMailReq(payload string) (*MailReq, error) {
	parts := strings.Split(payload, "|")
	if len(parts) < 8 {
		return nil, fmt.Errorf("%w: MAILREQ has %d fields, need 8", ErrMalformed, len(parts))
	}
	hop, err := strconv.Atoi(parts[5])
	if err != nil {
		return nil, fmt.Errorf("%w: MAILREQ hop %q", ErrMalformed, parts[5])
	}
	num, err := strconv.Atoi(parts[6])
	if err != nil || num < 1 {
		return nil, fmt.Errorf("%w: MAILREQ num_parts %q", ErrMalformed, parts[6])
	}
	return &MailReq{
		UUID:     parts[0],
		FromUser: parts[1],
		FromBBS:  parts[2],
		ToUser:   parts[3],
		ToBBS:    parts[4],
		Hop:      hop,
		NumParts: num,
		Route:    strings.Split(parts[7], ","),
	}, nil
}

// MailAck encodes MAILACK|<uuid>|OK.
func MailAck(uuid string) string {
	return Format(TypeMailAck, uuid+"|OK")
}

// MailNak encodes MAILNAK|<uuid>|<reason>.
func MailNak(uuid, reason string) string {
	return Format(TypeMailNak, uuid+"|"+reason)
}

// MailDat is a MAILDAT payload: <uuid>|<part>/<total>|<data>.
type MailDat struct {
	UUID  string
	Part  int
	Total int
	Data  string
}

func (d *MailDat) Encode() string {
	return Format(TypeMailDat, fmt.Sprintf("%s|%d/%d|%s", d.UUID, d.Part, d.Total, d.Data))
}

func ParseMailDat(payload string) (*MailDat, error) {
	parts := strings.SplitN(payload, "|", 3)
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: MAILDAT has %d fields, need 3", ErrMalformed, len(parts))
	}
	part, total, err := parsePartTotal(parts[1])
	if err != nil {
		return nil, err
	}
	return &MailDat{UUID: parts[0], Part: part, Total: total, Data: parts[2]}, nil
}

// MailDlv encodes MAILDLV|<uuid>|OK|<user>@<bbs>.
func MailDlv(uuid, user, bbs string) string {
	return Format(TypeMailDlv, fmt.Sprintf("%s|OK|%s@%s", uuid, user, bbs))
}

// UUIDReason splits a two-field payload such as MAILACK/MAILNAK bodies.
func UUIDReason(payload string) (uuid, rest string, err error) {
	parts := strings.SplitN(payload, "|", 2)
	if len(parts) < 2 || parts[0] == "" {
		return "", "", fmt.Errorf("%w: want uuid|detail", ErrMalformed)
	}
	return parts[0], parts[1], nil
}

func parsePartTotal(s string) (part, total int, err error) {
	slash := strings.IndexByte(s, '/')
	if slash < 0 {
		return 0, 0, fmt.Errorf("%w: part marker %q", ErrMalformed, s)
	}
	part, err = strconv.Atoi(s[:slash])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: part %q", ErrMalformed, s)
	}
	total, err = strconv.Atoi(s[slash+1:])
	if err != nil || total < 1 || part < 1 || part > total {
		return 0, 0, fmt.Errorf("%w: part marker %q", ErrMalformed, s)
	}
	return part, total, nil
}
