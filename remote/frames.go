package remote

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// framingError marks a transfer that violated the framing rules, as
// opposed to a failed connection.
type framingError struct {
	err error
}

func (e *framingError) Error() string { return e.err.Error() }
func (e *framingError) Unwrap() error { return e.err }

func isFramingError(err error) bool {
	var fe *framingError
	return errors.As(err, &fe)
}

// writeTransfer sends meta followed by parts in chunks of at most chunkSize
// bytes. It returns the number of chunks written.
func writeTransfer(ctx context.Context, conn *websocket.Conn, chunkSize int, meta Metadata, parts ...[]byte) (int, error) {
	if err := wsjson.Write(ctx, conn, Frame{Metadata: &meta}); err != nil {
		return 0, fmt.Errorf("write metadata: %w", err)
	}
	chunker := NewChunker(chunkSize, parts...)
	chunks := 0
	for {
		chunk, err := chunker.Next()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		if err := wsjson.Write(ctx, conn, Frame{Chunk: chunk}); err != nil {
			return chunks, fmt.Errorf("write chunk %d: %w", chunks, err)
		}
		chunks++
	}
}

// readTransfer feeds frames into asm until the announced payload is
// complete. Framing violations come back as *framingError.
func readTransfer(ctx context.Context, conn *websocket.Conn, asm *Assembler) error {
	for !asm.Complete() {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return err
		}
		if err := asm.Add(f); err != nil {
			return &framingError{err: err}
		}
	}
	return nil
}
