// Package router maps (tenant, work type) pairs to queue streams.
//
// Streams are created lazily on first use with per-work-type defaults.
// Concurrent callers in one process share a single lookup through
// singleflight; callers in different processes converge through the
// queue's unique (user, work type) constraint. An optional Redis cache
// short-circuits the lookup across a fleet.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/proofflow/internal/cache"
	"github.com/BaSui01/proofflow/internal/metrics"
	"github.com/BaSui01/proofflow/taskdb"
	"github.com/BaSui01/proofflow/taskdef"
)

// WorkType names a class of worker.
type WorkType string

const (
	WorkAux    WorkType = "aux"
	WorkExec   WorkType = "exec"
	WorkProve  WorkType = "prove"
	WorkCoproc WorkType = "coproc"
	WorkJoin   WorkType = "join"
	WorkSnark  WorkType = "snark"
)

// AllWorkTypes lists every work type in a stable order.
var AllWorkTypes = []WorkType{WorkAux, WorkExec, WorkProve, WorkCoproc, WorkJoin, WorkSnark}

// RemoteTenant is the tenant under which remotely assigned jobs run.
const RemoteTenant = "grpc"

// StreamDefaults are the reserved concurrency and priority weight given to
// a stream when it is created.
type StreamDefaults struct {
	Concurrency int
	Priority    float64
}

var defaults = map[WorkType]StreamDefaults{
	WorkAux:    {Concurrency: 1, Priority: 1.0},
	WorkExec:   {Concurrency: 1, Priority: 1.0},
	WorkProve:  {Concurrency: 2, Priority: 2.0},
	WorkCoproc: {Concurrency: 0, Priority: 1.0},
	WorkJoin:   {Concurrency: 0, Priority: 1.0},
	WorkSnark:  {Concurrency: 0, Priority: 1.0},
}

// Defaults returns the creation defaults of a work type.
func Defaults(w WorkType) (StreamDefaults, bool) {
	d, ok := defaults[w]
	return d, ok
}

// Valid reports whether w is a known work type.
func (w WorkType) Valid() bool {
	_, ok := defaults[w]
	return ok
}

// ParseWorkType parses a work type name.
func ParseWorkType(s string) (WorkType, error) {
	w := WorkType(s)
	if !w.Valid() {
		return "", fmt.Errorf("unknown work type %q", s)
	}
	return w, nil
}

// ForTask returns the work type whose workers run tasks of type t.
func ForTask(t taskdef.TaskType) WorkType {
	switch t {
	case taskdef.TypeExecutor:
		return WorkExec
	case taskdef.TypeProve:
		return WorkProve
	case taskdef.TypeKeccak:
		return WorkCoproc
	case taskdef.TypeSnark:
		return WorkSnark
	default:
		return WorkJoin
	}
}

// Router resolves stream ids.
type Router struct {
	queue    taskdb.Queue
	cache    *cache.Manager
	cacheTTL time.Duration
	group    singleflight.Group
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithCache enables the Redis read-through cache.
func WithCache(m *cache.Manager, ttl time.Duration) Option {
	return func(r *Router) {
		r.cache = m
		r.cacheTTL = ttl
	}
}

// WithMetrics records cache hits and misses.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Router) {
		r.metrics = c
	}
}

// New creates a router over queue.
func New(queue taskdb.Queue, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		queue:    queue,
		cacheTTL: time.Hour,
		logger:   logger.With(zap.String("component", "router")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func cacheKey(tenant string, w WorkType) string {
	return "stream:" + tenant + ":" + string(w)
}

// Stream returns the stream of (tenant, w), creating it with the work
// type's defaults on first use.
func (r *Router) Stream(ctx context.Context, tenant string, w WorkType) (uuid.UUID, error) {
	d, ok := defaults[w]
	if !ok {
		return uuid.Nil, fmt.Errorf("unknown work type %q", w)
	}
	if tenant == "" {
		return uuid.Nil, fmt.Errorf("%w: empty tenant", taskdb.ErrInvalidInput)
	}

	key := cacheKey(tenant, w)
	if id, ok := r.cached(ctx, key, w); ok {
		return id, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		id, err := r.queue.GetOrCreateStream(ctx, tenant, string(w), d.Concurrency, d.Priority)
		if err != nil {
			return uuid.Nil, err
		}
		r.store(ctx, key, w, id)
		return id, nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return v.(uuid.UUID), nil
}

// Streams resolves the streams of every work type for tenant.
func (r *Router) Streams(ctx context.Context, tenant string) (map[WorkType]uuid.UUID, error) {
	out := make(map[WorkType]uuid.UUID, len(AllWorkTypes))
	for _, w := range AllWorkTypes {
		id, err := r.Stream(ctx, tenant, w)
		if err != nil {
			return nil, fmt.Errorf("resolve %s stream: %w", w, err)
		}
		out[w] = id
	}
	return out, nil
}

// StreamForTask returns the stream that runs tasks of type t for tenant.
func (r *Router) StreamForTask(ctx context.Context, tenant string, t taskdef.TaskType) (uuid.UUID, error) {
	return r.Stream(ctx, tenant, ForTask(t))
}

// streamEntry is the cached form of a resolved stream.
type streamEntry struct {
	ID       uuid.UUID `json:"id"`
	WorkType WorkType  `json:"work_type"`
}

func (r *Router) cached(ctx context.Context, key string, w WorkType) (uuid.UUID, bool) {
	if r.cache == nil {
		return uuid.Nil, false
	}
	var entry streamEntry
	if err := r.cache.GetJSON(ctx, key, &entry); err != nil {
		if !cache.IsCacheMiss(err) {
			r.logger.Debug("stream cache unavailable", zap.String("key", key), zap.Error(err))
		}
		r.recordCache(false)
		return uuid.Nil, false
	}
	if entry.WorkType != w || entry.ID == uuid.Nil {
		r.recordCache(false)
		return uuid.Nil, false
	}
	r.recordCache(true)
	return entry.ID, true
}

func (r *Router) store(ctx context.Context, key string, w WorkType, id uuid.UUID) {
	if r.cache == nil {
		return
	}
	if err := r.cache.SetJSON(ctx, key, streamEntry{ID: id, WorkType: w}, r.cacheTTL); err != nil {
		r.logger.Debug("stream cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (r *Router) recordCache(hit bool) {
	if r.metrics == nil {
		return
	}
	if hit {
		r.metrics.RecordCacheHit("stream")
	} else {
		r.metrics.RecordCacheMiss("stream")
	}
}
