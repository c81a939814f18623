package stage

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
)

// Prover is the proving capability used by the receipt producing stages.
// It is constructed once at startup and injected only into the handlers
// that need it.
type Prover interface {
	// ProveSegment proves one execution segment or coprocessor request.
	ProveSegment(ctx context.Context, segment []byte) ([]byte, error)
	// Lift converts a segment receipt into a joinable receipt.
	Lift(ctx context.Context, receipt []byte) ([]byte, error)
	// Join merges two consecutive receipts.
	Join(ctx context.Context, left, right []byte) ([]byte, error)
	// Resolve discharges assumption receipts against a root receipt.
	Resolve(ctx context.Context, root []byte, assumptions [][]byte) ([]byte, error)
	// Finalize binds the journal to the root receipt.
	Finalize(ctx context.Context, root, journal []byte) ([]byte, error)
	// Compress wraps a finalized receipt into a succinct proof.
	Compress(ctx context.Context, receipt []byte) ([]byte, error)
}

// HashProver is a deterministic Prover that derives every receipt by
// hashing its inputs. It performs no cryptographic proving and exists so
// the whole pipeline can run on machines without proving hardware.
type HashProver struct{}

var _ Prover = HashProver{}

func digest(domain string, parts ...[]byte) []byte {
	h := sha256.New()
	h.Write([]byte(domain))
	var n [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write(p)
	}
	return h.Sum(nil)
}

func (HashProver) ProveSegment(ctx context.Context, segment []byte) ([]byte, error) {
	return digest("segment", segment), ctx.Err()
}

func (HashProver) Lift(ctx context.Context, receipt []byte) ([]byte, error) {
	return digest("lift", receipt), ctx.Err()
}

func (HashProver) Join(ctx context.Context, left, right []byte) ([]byte, error) {
	return digest("join", left, right), ctx.Err()
}

func (HashProver) Resolve(ctx context.Context, root []byte, assumptions [][]byte) ([]byte, error) {
	return digest("resolve", append([][]byte{root}, assumptions...)...), ctx.Err()
}

func (HashProver) Finalize(ctx context.Context, root, journal []byte) ([]byte, error) {
	return digest("finalize", root, journal), ctx.Err()
}

func (HashProver) Compress(ctx context.Context, receipt []byte) ([]byte, error) {
	return digest("groth16", receipt), ctx.Err()
}
