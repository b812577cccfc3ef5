package frame

import (
	"fmt"
	"strconv"
	"strings"
)

// BOARDNAK reason codes.
const (
	BoardNakSyncDisabled = "SYNC_DISABLED"
	BoardNakUnknown      = "UNKNOWN"
)

// Batch payload record separators: RS between post records, GS between
// fields within a record.
const (
	recordSep = "\x1f"
	fieldSep  = "\x1e"
)

// BoardReq is a BOARDREQ payload: <board>|<count>|<since_us>.
type BoardReq struct {
	Board       string
	Count       int
	SinceMicros int64
}

func (r *BoardReq) Encode() string {
	return Format(TypeBoardReq, fmt.Sprintf("%s|%d|%d", r.Board, r.Count, r.SinceMicros))
}

func ParseBoardReq(payload string) (*BoardReq, error) {
	parts := strings.Split(payload, "|")
	if len(parts) < 3 || parts[0] == "" {
		return nil, fmt.Errorf("%w: BOARDREQ has %d fields, need 3", ErrMalformed, len(parts))
	}
	count, err := strconv.Atoi(parts[1])
	if err != nil || count < 0 {
		return nil, fmt.Errorf("%w: BOARDREQ count %q", ErrMalformed, parts[1])
	}
	since, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: BOARDREQ since %q", ErrMalformed, parts[2])
	}
	return &BoardReq{Board: parts[0], Count: count, SinceMicros: since}, nil
}

// BoardAck encodes BOARDACK|<board>.
func BoardAck(board string) string {
	return Format(TypeBoardAck, board)
}

// BoardNak encodes BOARDNAK|<board>|<reason>.
func BoardNak(board, reason string) string {
	return Format(TypeBoardNak, board+"|"+reason)
}

// BoardDlv encodes BOARDDLV|<board>.
func BoardDlv(board string) string {
	return Format(TypeBoardDlv, board)
}

// BoardDat is a BOARDDAT payload: <board>|<part>/<total>|<data>.
type BoardDat struct {
	Board string
	Part  int
	Total int
	Data  string
}

func (d *BoardDat) Encode() string {
	return Format(TypeBoardDat, fmt.Sprintf("%s|%d/%d|%s", d.Board, d.Part, d.Total, d.Data))
}

func ParseBoardDat(payload string) (*BoardDat, error) {
	parts := strings.SplitN(payload, "|", 3)
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: BOARDDAT has %d fields, need 3", ErrMalformed, len(parts))
	}
	part, total, err := parsePartTotal(parts[1])
	if err != nil {
		return nil, err
	}
	return &BoardDat{Board: parts[0], Part: part, Total: total, Data: parts[2]}, nil
}

// PostRecord is one bulletin inside a board-sync batch.
type PostRecord struct {
	UUID       string
	Author     string
	OriginBBS  string
	TsMicros   int64
	Subject    string
	Body       string
}

// EncodeBatch concatenates post records RS-separated, fields GS-separated.
func EncodeBatch(posts []PostRecord) string {
	records := make([]string, 0, len(posts))
	for _, p := range posts {
		records = append(records, strings.Join([]string{
			p.UUID, p.Author, p.OriginBBS,
			strconv.FormatInt(p.TsMicros, 10),
			p.Subject, p.Body,
		}, fieldSep))
	}
	return strings.Join(records, recordSep)
}

// ParseBatch decodes a batch payload. Records with the wrong field count are
// skipped; the rest of the batch still applies.
func ParseBatch(data string) []PostRecord {
	if data == "" {
		return nil
	}
	var posts []PostRecord
	for _, rec := range strings.Split(data, recordSep) {
		fields := strings.Split(rec, fieldSep)
		if len(fields) != 6 || fields[0] == "" {
			continue
		}
		ts, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			continue
		}
		posts = append(posts, PostRecord{
			UUID:      fields[0],
			Author:    fields[1],
			OriginBBS: fields[2],
			TsMicros:  ts,
			Subject:   fields[4],
			Body:      fields[5],
		})
	}
	return posts
}
