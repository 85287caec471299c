package relay

import (
	"sort"
	"unicode/utf8"

	"github.com/nstogner/agenthub/pkg/apperr"
)

// DefaultChunkSize is the largest data field sent in one chunk, in bytes.
const DefaultChunkSize = 1024

// Chunk is one fragment of a serialized envelope sent to an agent.
type Chunk struct {
	MessageID string `json:"message_id"`
	Index     int    `json:"chunk"`
	Total     int    `json:"total_chunks"`
	Data      string `json:"data"`
}

// Split cuts s into pieces of at most size bytes, never inside a UTF-8
// sequence. A rune longer than size is kept whole. An empty string yields
// no pieces.
func Split(s string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var out []string
	for len(s) > 0 {
		if len(s) <= size {
			out = append(out, s)
			break
		}
		cut := size
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			_, cut = utf8.DecodeRuneInString(s)
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	return out
}

// Chunks splits s and wraps each piece in a Chunk for messageID.
func Chunks(messageID, s string, size int) []Chunk {
	pieces := Split(s, size)
	out := make([]Chunk, len(pieces))
	for i, p := range pieces {
		out[i] = Chunk{
			MessageID: messageID,
			Index:     i,
			Total:     len(pieces),
			Data:      p,
		}
	}
	return out
}

// Assemble joins chunks of one message in index order. The chunks may
// arrive in any order but must all be present exactly once.
func Assemble(chunks []Chunk) (string, error) {
	if len(chunks) == 0 {
		return "", apperr.New(apperr.KindProtocol, "no chunks to assemble")
	}

	sorted := append([]Chunk(nil), chunks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	id, total := sorted[0].MessageID, sorted[0].Total
	if total != len(sorted) {
		return "", apperr.Newf(apperr.KindProtocol, "message %s: have %d of %d chunks", id, len(sorted), total)
	}

	size := 0
	for i, c := range sorted {
		if c.MessageID != id {
			return "", apperr.Newf(apperr.KindProtocol, "chunk %d belongs to message %s, not %s", c.Index, c.MessageID, id)
		}
		if c.Total != total {
			return "", apperr.Newf(apperr.KindProtocol, "message %s: chunk %d disagrees on total", id, c.Index)
		}
		if c.Index != i {
			return "", apperr.Newf(apperr.KindProtocol, "message %s: missing or repeated chunk %d", id, i)
		}
		size += len(c.Data)
	}

	buf := make([]byte, 0, size)
	for _, c := range sorted {
		buf = append(buf, c.Data...)
	}
	return string(buf), nil
}
