package remote

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectChunks(t *testing.T, c *Chunker) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		chunk, err := c.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, chunk)
	}
}

func TestChunker_SplitsAtChunkSize(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab}, ChunkSize+ChunkSize/2)

	chunks := collectChunks(t, NewChunker(0, payload))

	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], ChunkSize)
	assert.Len(t, chunks[1], ChunkSize/2)
}

func TestChunker_SpansParts(t *testing.T) {
	chunks := collectChunks(t, NewChunker(4, []byte("abc"), nil, []byte("defgh"), []byte("ij")))

	assert.Equal(t, [][]byte{[]byte("abcd"), []byte("efgh"), []byte("ij")}, chunks)
}

func TestChunker_Empty(t *testing.T) {
	assert.Empty(t, collectChunks(t, NewChunker(8)))
	assert.Empty(t, collectChunks(t, NewChunker(8, nil, []byte{})))
}

func TestAssembler_RoundTrip(t *testing.T) {
	receipt := bytes.Repeat([]byte("r"), ChunkSize+ChunkSize/2)
	journal := []byte("journal")

	asm := NewAssembler(0)
	require.NoError(t, asm.Add(Frame{Metadata: &Metadata{Kind: UploadStark, TaskID: "t", Size: int64(len(receipt)), JournalSize: int64(len(journal))}}))
	assert.False(t, asm.Complete())

	for _, chunk := range collectChunks(t, NewChunker(ChunkSize, receipt, journal)) {
		require.NoError(t, asm.Add(Frame{Chunk: chunk}))
	}
	require.True(t, asm.Complete())

	body, gotJournal, err := asm.Parts()
	require.NoError(t, err)
	assert.Equal(t, receipt, body)
	assert.Equal(t, journal, gotJournal)
}

func TestAssembler_EmptyPayloadCompletesOnMetadata(t *testing.T) {
	asm := NewAssembler(0)
	require.NoError(t, asm.Add(Frame{Metadata: &Metadata{Kind: UploadArtifact, Key: "k"}}))
	assert.True(t, asm.Complete())
	data, err := asm.Bytes()
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestAssembler_Rejects(t *testing.T) {
	meta := func(size int64) Frame { return Frame{Metadata: &Metadata{Kind: UploadArtifact, Key: "k", Size: size}} }

	tests := []struct {
		name   string
		limit  int64
		frames []Frame
		want   error
	}{
		{name: "chunk before metadata", frames: []Frame{{Chunk: []byte("x")}}, want: ErrChunkBeforeMetadata},
		{name: "second metadata", frames: []Frame{meta(4), meta(4)}, want: ErrDuplicateMetadata},
		{name: "empty frame", frames: []Frame{{}}, want: ErrMalformedFrame},
		{name: "both fields", frames: []Frame{{Metadata: &Metadata{}, Chunk: []byte("x")}}, want: ErrMalformedFrame},
		{name: "negative size", frames: []Frame{meta(-1)}, want: ErrMalformedFrame},
		{name: "overflow", frames: []Frame{meta(2), {Chunk: []byte("abc")}}, want: ErrTransferOverflow},
		{name: "declared over limit", limit: 10, frames: []Frame{meta(11)}, want: ErrTransferOverflow},
		{name: "oversized chunk", frames: []Frame{meta(ChunkSize + 1), {Chunk: make([]byte, ChunkSize+1)}}, want: ErrChunkTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			asm := NewAssembler(tt.limit)
			var err error
			for _, f := range tt.frames {
				if err = asm.Add(f); err != nil {
					break
				}
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAssembler_IncompleteBytes(t *testing.T) {
	asm := NewAssembler(0)
	_, err := asm.Bytes()
	assert.ErrorIs(t, err, ErrTransferIncomplete)

	require.NoError(t, asm.Add(Frame{Metadata: &Metadata{Kind: UploadArtifact, Key: "k", Size: 4}}))
	require.NoError(t, asm.Add(Frame{Chunk: []byte("ab")}))
	_, _, err = asm.Parts()
	assert.ErrorIs(t, err, ErrTransferIncomplete)
}

func TestTaskAssignment_Kind(t *testing.T) {
	assert.Equal(t, KindStark, (&TaskAssignment{TaskID: "a", Stark: &StarkTaskDetails{}}).Kind())
	assert.Equal(t, KindGroth16, (&TaskAssignment{TaskID: "a", Groth16: &Groth16TaskDetails{}}).Kind())
	assert.Equal(t, KindUnknown, (&TaskAssignment{TaskID: "a"}).Kind())
	assert.Equal(t, KindUnknown, (&TaskAssignment{TaskID: "a", Stark: &StarkTaskDetails{}, Groth16: &Groth16TaskDetails{}}).Kind())

	assert.Error(t, (&TaskAssignment{Stark: &StarkTaskDetails{}}).Validate())
	assert.Error(t, (&TaskAssignment{TaskID: "a"}).Validate())
	assert.NoError(t, (&TaskAssignment{TaskID: "a", Groth16: &Groth16TaskDetails{}}).Validate())
}
