package protocol

import (
	"fmt"
	"sync"
)

// DefaultScriptLimit is the largest script the gateway assembles
const DefaultScriptLimit = 8192

// DefaultFragmentSize fits a chunk packet into the default 23-byte ATT MTU
const DefaultFragmentSize = 18

// ChunkHeader is the first payload byte of RUN_SCRIPT_CHUNK: bit 7 last, bits 0..6 index
type ChunkHeader uint8

const (
	chunkLast      = 0x80
	chunkIndexMask = 0x7F
)

func NewChunkHeader(index uint8, last bool) ChunkHeader {
	h := ChunkHeader(index & chunkIndexMask)
	if last {
		h |= chunkLast
	}
	return h
}

func (h ChunkHeader) Index() uint8 { return uint8(h) & chunkIndexMask }
func (h ChunkHeader) Last() bool   { return h&chunkLast != 0 }

func (h ChunkHeader) String() string {
	if h.Last() {
		return fmt.Sprintf("#%d(last)", h.Index())
	}
	return fmt.Sprintf("#%d", h.Index())
}

// Assembler reassembles a chunked script upload into a bounded buffer.
//
// Chunks are appended in arrival order. Index 0 starts a new transfer and discards whatever
// an unfinished one left behind. Once a transfer overflows, its remaining fragments are
// ignored until the next index-0 chunk or its own last chunk.
type Assembler struct {
	mu      sync.Mutex
	buf     []byte
	limit   int
	aborted bool
}

// NewAssembler creates an assembler; limit <= 0 selects DefaultScriptLimit
func NewAssembler(limit int) *Assembler {
	if limit <= 0 {
		limit = DefaultScriptLimit
	}
	return &Assembler{limit: limit, buf: make([]byte, 0, limit)}
}

// Limit returns the assembled-size cap in bytes
func (a *Assembler) Limit() int {
	return a.limit
}

// Feed consumes one RUN_SCRIPT_CHUNK payload. When the last chunk arrives it returns the
// complete script and done=true; the buffer is cleared either way.
func (a *Assembler) Feed(payload []byte) (script []byte, done bool, err error) {
	if len(payload) == 0 {
		return nil, false, Errorf(CodeProtocol, "script chunk without header")
	}
	h := ChunkHeader(payload[0])
	fragment := payload[1:]

	a.mu.Lock()
	defer a.mu.Unlock()

	if h.Index() == 0 {
		a.buf = a.buf[:0]
		a.aborted = false
	}
	if a.aborted {
		if h.Last() {
			a.aborted = false
		}
		return nil, false, nil
	}

	if len(a.buf)+len(fragment) > a.limit {
		size := len(a.buf) + len(fragment)
		a.buf = a.buf[:0]
		a.aborted = !h.Last()
		return nil, false, &Error{
			Code: CodeScriptTooLarge,
			Msg:  fmt.Sprintf("script exceeds %d bytes (chunk %s brings it to %d)", a.limit, h, size),
		}
	}
	a.buf = append(a.buf, fragment...)

	if !h.Last() {
		return nil, false, nil
	}
	script = make([]byte, len(a.buf))
	copy(script, a.buf)
	a.buf = a.buf[:0]
	return script, true, nil
}

// Pending returns the number of bytes buffered for an unfinished transfer
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// Reset drops any partial transfer
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = a.buf[:0]
	a.aborted = false
}

// SplitScript cuts src into RUN_SCRIPT_CHUNK packets carrying at most fragmentSize script
// bytes each. The first chunk has index 0; later ones cycle through 1..127 so that index 0
// only ever marks the start of a transfer. An empty script is a single empty last chunk.
func SplitScript(src []byte, fragmentSize int) [][]byte {
	if fragmentSize <= 0 {
		fragmentSize = DefaultFragmentSize
	}

	var packets [][]byte
	index := uint8(0)
	for off := 0; ; {
		end := off + fragmentSize
		if end > len(src) {
			end = len(src)
		}
		last := end == len(src)

		p := make([]byte, 0, 2+end-off)
		p = append(p, byte(RunScriptChunk), byte(NewChunkHeader(index, last)))
		p = append(p, src[off:end]...)
		packets = append(packets, p)

		if last {
			return packets
		}
		off = end
		index++
		if index > chunkIndexMask {
			index = 1
		}
	}
}
