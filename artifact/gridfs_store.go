package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// GridFSStore keeps artifacts in a MongoDB GridFS bucket, one file per key.
// Suitable for large receipts shared across a fleet.
type GridFSStore struct {
	client *mongo.Client
	bucket *mongo.GridFSBucket
	mu     sync.RWMutex
	closed bool
}

// NewGridFSStore connects to MongoDB and opens the configured bucket.
func NewGridFSStore(cfg GridFSConfig) (*GridFSStore, error) {
	if cfg.URI == "" || cfg.Database == "" {
		return nil, fmt.Errorf("%w: gridfs uri and database are required", ErrInvalidInput)
	}
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	name := cfg.Bucket
	if name == "" {
		name = "artifacts"
	}
	bucket := client.Database(cfg.Database).GridFSBucket(options.GridFSBucket().SetName(name))
	return &GridFSStore{client: client, bucket: bucket}, nil
}

func (s *GridFSStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

type gridFSFile struct {
	ID bson.ObjectID `bson:"_id"`
}

func (s *GridFSStore) files(ctx context.Context, key string) ([]gridFSFile, error) {
	cursor, err := s.bucket.Find(ctx, bson.D{{Key: "filename", Value: key}})
	if err != nil {
		return nil, err
	}
	var files []gridFSFile
	if err := cursor.All(ctx, &files); err != nil {
		return nil, err
	}
	return files, nil
}

func (s *GridFSStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	files, err := s.files(ctx, key)
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

// Get reads the first revision of key, so a concurrent duplicate upload
// never changes what readers observe.
func (s *GridFSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	_, err := s.bucket.DownloadToStreamByName(ctx, key, &buf, options.GridFSName().SetRevision(0))
	if errors.Is(err, mongo.ErrFileNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *GridFSStore) Put(ctx context.Context, key string, data []byte) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if _, err := s.bucket.UploadFromStream(ctx, key, bytes.NewReader(data)); err != nil {
		return false, fmt.Errorf("gridfs upload: %w", err)
	}
	return true, nil
}

// Delete removes every revision of key.
func (s *GridFSStore) Delete(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	files, err := s.files(ctx, key)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := s.bucket.Delete(ctx, f.ID); err != nil && !errors.Is(err, mongo.ErrFileNotFound) {
			return err
		}
	}
	return nil
}

func (s *GridFSStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.client.Ping(ctx, nil)
}

func (s *GridFSStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ensure GridFSStore implements Store
var _ Store = (*GridFSStore)(nil)
