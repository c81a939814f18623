// Package artifact stores the opaque byte blobs of the proving pipeline:
// images, inputs, intermediate receipts and final proofs.
//
// Writes are idempotent: Put checks for the key first and never overwrites
// an existing artifact, so a retried task that rewrites its output is
// harmless.
//
// Supported backends:
// - Memory: for development and testing
// - File: a directory tree, for single-node deployments
// - Redis: shared across a fleet, entries expire after a TTL
// - GridFS: MongoDB GridFS bucket, for large artifacts shared across a fleet
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/proofflow/internal/cache"
	"github.com/BaSui01/proofflow/types"
)

// Common errors
var (
	ErrNotFound     = errors.New("artifact not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// Store is the artifact store contract. Keys are slash separated paths.
type Store interface {
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Get returns the bytes under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes data under key unless the key already exists. It reports
	// whether this call wrote the data.
	Put(ctx context.Context, key string, data []byte) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Keys
// =============================================================================

// Receipt buckets.
const (
	BucketStark    = "stark"
	BucketGroth16  = "groth16"
	BucketSuccinct = "succinct"
)

// ImageKey is the key of a program image.
func ImageKey(imageID string) string { return "images/" + imageID }

// InputKey is the key of a program input.
func InputKey(inputID string) string { return "inputs/" + inputID }

// ReceiptKey is the key of a receipt in bucket.
func ReceiptKey(bucket, id string) string {
	return "receipts/" + bucket + "/" + id + ".bincode"
}

// SegmentKey is the key of one executor segment of a job.
func SegmentKey(jobID string, index int) string {
	return fmt.Sprintf("jobs/%s/segments/%d", jobID, index)
}

// JobReceiptKey is the key of an intermediate receipt produced by a task.
func JobReceiptKey(jobID, taskID string) string {
	return "jobs/" + jobID + "/receipts/" + taskID
}

// KeccakKey is the key of one coprocessor keccak request of a job.
func KeccakKey(jobID string, index int) string {
	return fmt.Sprintf("jobs/%s/keccak/%d", jobID, index)
}

// JournalKey is the key of the journal committed by a job's guest.
func JournalKey(jobID string) string { return "jobs/" + jobID + "/journal" }

// JobPrefix is the prefix shared by every intermediate artifact of a job.
func JobPrefix(jobID string) string { return "jobs/" + jobID + "/" }

// ValidateKey rejects keys that are empty or could escape a directory tree.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: key %q", ErrInvalidInput, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: key %q", ErrInvalidInput, key)
		}
	}
	return nil
}

// =============================================================================
// Image ids
// =============================================================================

// ImageID derives the image id of a program: the lowercase hex SHA-256 of
// its ELF bytes.
func ImageID(elf []byte) string {
	sum := sha256.Sum256(elf)
	return hex.EncodeToString(sum[:])
}

// VerifyImageID checks that claimed is the image id of elf.
func VerifyImageID(claimed string, elf []byte) error {
	computed := ImageID(elf)
	if !strings.EqualFold(claimed, computed) {
		return types.NewValidationError("image id mismatch: claimed %s, computed %s", claimed, computed)
	}
	return nil
}

// =============================================================================
// Configuration
// =============================================================================

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeGridFS StoreType = "gridfs"
)

// Config configures the artifact store.
type Config struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type" env:"TYPE"`

	// BaseDir is the root directory of the file backend
	BaseDir string `json:"base_dir" yaml:"base_dir" env:"BASE_DIR"`

	// TTL bounds the lifetime of Redis entries (default: 8h)
	TTL time.Duration `json:"ttl" yaml:"ttl" env:"TTL"`

	// Redis connection (only used when Type is "redis")
	Redis cache.Config `json:"redis" yaml:"redis" env:"REDIS"`

	// GridFS connection (only used when Type is "gridfs")
	GridFS GridFSConfig `json:"gridfs" yaml:"gridfs" env:"GRIDFS"`
}

// GridFSConfig contains MongoDB GridFS configuration.
type GridFSConfig struct {
	// URI is the MongoDB connection string
	URI string `json:"uri" yaml:"uri" env:"URI"`

	// Database holds the bucket collections
	Database string `json:"database" yaml:"database" env:"DATABASE"`

	// Bucket is the GridFS bucket name
	Bucket string `json:"bucket" yaml:"bucket" env:"BUCKET"`
}

// DefaultConfig returns the default artifact store configuration.
func DefaultConfig() Config {
	redis := cache.DefaultConfig()
	redis.KeyPrefix = "proofflow:artifact:"
	return Config{
		Type:    StoreTypeFile,
		BaseDir: "./data/artifacts",
		TTL:     8 * time.Hour,
		Redis:   redis,
		GridFS: GridFSConfig{
			URI:      "mongodb://localhost:27017",
			Database: "proofflow",
			Bucket:   "artifacts",
		},
	}
}
