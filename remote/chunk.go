package remote

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ChunkSize is the largest chunk a transfer carries.
const ChunkSize = 1 << 20

// DefaultMaxTransfer bounds the payload an Assembler accepts.
const DefaultMaxTransfer int64 = 1 << 30

// Framing errors
var (
	ErrChunkBeforeMetadata = errors.New("chunk received before metadata")
	ErrDuplicateMetadata   = errors.New("metadata received twice")
	ErrMalformedFrame      = errors.New("frame must carry exactly one of metadata or chunk")
	ErrChunkTooLarge       = errors.New("chunk exceeds maximum size")
	ErrTransferOverflow    = errors.New("transfer exceeds declared size")
	ErrTransferIncomplete  = errors.New("transfer incomplete")
)

// Chunker splits a sequence of byte slices into chunks of at most size
// bytes without copying the whole payload into one buffer.
type Chunker struct {
	r    io.Reader
	size int
}

// NewChunker returns a chunker over parts in order. A non-positive size
// selects ChunkSize.
func NewChunker(size int, parts ...[]byte) *Chunker {
	if size <= 0 || size > ChunkSize {
		size = ChunkSize
	}
	readers := make([]io.Reader, 0, len(parts))
	for _, p := range parts {
		if len(p) > 0 {
			readers = append(readers, bytes.NewReader(p))
		}
	}
	return &Chunker{r: io.MultiReader(readers...), size: size}
}

// Next returns the next chunk, or io.EOF when the parts are exhausted.
func (c *Chunker) Next() ([]byte, error) {
	buf := make([]byte, c.size)
	n, err := io.ReadFull(c.r, buf)
	switch {
	case err == nil, errors.Is(err, io.ErrUnexpectedEOF):
		return buf[:n], nil
	case errors.Is(err, io.EOF):
		return nil, io.EOF
	default:
		return nil, err
	}
}

// Assembler rebuilds a chunked transfer from frames in arrival order.
type Assembler struct {
	meta  *Metadata
	buf   bytes.Buffer
	limit int64
}

// NewAssembler returns an assembler that rejects transfers larger than
// limit. A non-positive limit selects DefaultMaxTransfer.
func NewAssembler(limit int64) *Assembler {
	if limit <= 0 {
		limit = DefaultMaxTransfer
	}
	return &Assembler{limit: limit}
}

// Add consumes one frame.
func (a *Assembler) Add(f Frame) error {
	switch {
	case f.Metadata != nil && f.Chunk != nil, f.Metadata == nil && len(f.Chunk) == 0:
		return ErrMalformedFrame
	case f.Metadata != nil:
		if a.meta != nil {
			return ErrDuplicateMetadata
		}
		m := *f.Metadata
		if m.Size < 0 || m.JournalSize < 0 {
			return fmt.Errorf("%w: negative size", ErrMalformedFrame)
		}
		if m.Total() > a.limit {
			return fmt.Errorf("%w: %d bytes declared, limit %d", ErrTransferOverflow, m.Total(), a.limit)
		}
		a.meta = &m
		a.buf.Grow(int(m.Total()))
		return nil
	default:
		if a.meta == nil {
			return ErrChunkBeforeMetadata
		}
		if len(f.Chunk) > ChunkSize {
			return fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, len(f.Chunk))
		}
		if int64(a.buf.Len()+len(f.Chunk)) > a.meta.Total() {
			return fmt.Errorf("%w: %d bytes declared", ErrTransferOverflow, a.meta.Total())
		}
		a.buf.Write(f.Chunk)
		return nil
	}
}

// Metadata returns the transfer metadata, or nil before the first frame.
func (a *Assembler) Metadata() *Metadata { return a.meta }

// Complete reports whether every announced byte has arrived.
func (a *Assembler) Complete() bool {
	return a.meta != nil && int64(a.buf.Len()) == a.meta.Total()
}

// Bytes returns the whole payload.
func (a *Assembler) Bytes() ([]byte, error) {
	if !a.Complete() {
		return nil, ErrTransferIncomplete
	}
	return a.buf.Bytes(), nil
}

// Parts splits the payload into the body and the trailing journal.
func (a *Assembler) Parts() (body, journal []byte, err error) {
	data, err := a.Bytes()
	if err != nil {
		return nil, nil, err
	}
	return data[:a.meta.Size], data[a.meta.Size:], nil
}
