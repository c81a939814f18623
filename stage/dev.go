package stage

import (
	"bytes"
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/BaSui01/proofflow/artifact"
	"github.com/BaSui01/proofflow/taskdef"
	"github.com/BaSui01/proofflow/types"
)

// DevConfig tunes the development handlers.
type DevConfig struct {
	// SegmentSize is the number of program bytes covered by one segment
	// (default: 1024).
	SegmentSize int `yaml:"segment_size" json:"segment_size" env:"SEGMENT_SIZE"`

	// CyclesPerSegment is the cycle count reported per segment (default: 1<<20).
	CyclesPerSegment uint64 `yaml:"cycles_per_segment" json:"cycles_per_segment" env:"CYCLES_PER_SEGMENT"`
}

// DefaultDevConfig returns the default development handler configuration.
func DefaultDevConfig() DevConfig {
	return DevConfig{SegmentSize: 1024, CyclesPerSegment: 1 << 20}
}

// keccakMarker makes the development executor emit one keccak request per
// occurrence in the input.
var keccakMarker = []byte("keccak")

// NewDevRegistry returns handlers for every stage that run end to end on
// the artifact store with prover. Segment and cycle counts are derived
// from the image and input sizes.
func NewDevRegistry(store artifact.Store, prover Prover, cfg DevConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = DefaultDevConfig().SegmentSize
	}
	if cfg.CyclesPerSegment == 0 {
		cfg.CyclesPerSegment = DefaultDevConfig().CyclesPerSegment
	}
	h := &devHandlers{
		store:  store,
		prover: prover,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "dev_stage")),
	}

	r := NewRegistry()
	r.Register(taskdef.TypeExecutor, HandlerFunc(h.execute))
	r.Register(taskdef.TypeProve, HandlerFunc(h.prove))
	r.Register(taskdef.TypeJoin, HandlerFunc(h.join))
	r.Register(taskdef.TypeKeccak, HandlerFunc(h.keccak))
	r.Register(taskdef.TypeUnion, HandlerFunc(h.union))
	r.Register(taskdef.TypeResolve, HandlerFunc(h.resolve))
	r.Register(taskdef.TypeFinalize, HandlerFunc(h.finalize))
	r.Register(taskdef.TypeSnark, HandlerFunc(h.snark))
	return r
}

type devHandlers struct {
	store  artifact.Store
	prover Prover
	cfg    DevConfig
	logger *zap.Logger
}

func definition[T taskdef.Definition](req Request) (T, error) {
	def, ok := req.Definition.(T)
	if !ok {
		var zero T
		return zero, types.NewValidationError("task %s: unexpected definition %T", req.TaskID, req.Definition)
	}
	return def, nil
}

// load reads a required artifact. A missing user supplied artifact is a
// validation error; anything else may succeed on retry.
func (h *devHandlers) load(ctx context.Context, stage taskdef.TaskType, key string, userSupplied bool) ([]byte, error) {
	data, err := h.store.Get(ctx, key)
	if err == nil {
		return data, nil
	}
	if errors.Is(err, artifact.ErrNotFound) && userSupplied {
		return nil, types.NewValidationError("%s: artifact %s does not exist", stage, key)
	}
	return nil, types.NewHandlerError(string(stage), err)
}

func (h *devHandlers) save(ctx context.Context, stage taskdef.TaskType, key string, data []byte) error {
	if _, err := h.store.Put(ctx, key, data); err != nil {
		return types.NewHandlerError(string(stage), err)
	}
	return nil
}

func (h *devHandlers) execute(ctx context.Context, req Request) (any, error) {
	def, err := definition[taskdef.ExecutorReq](req)
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	elf, err := h.load(ctx, taskdef.TypeExecutor, artifact.ImageKey(def.Image), true)
	if err != nil {
		return nil, err
	}
	if err := artifact.VerifyImageID(def.Image, elf); err != nil {
		return nil, err
	}
	input, err := h.load(ctx, taskdef.TypeExecutor, artifact.InputKey(def.Input), true)
	if err != nil {
		return nil, err
	}

	program := append(append([]byte(nil), elf...), input...)
	segments := (len(program) + h.cfg.SegmentSize - 1) / h.cfg.SegmentSize
	if segments == 0 {
		segments = 1
	}
	total := uint64(segments) * h.cfg.CyclesPerSegment
	if def.ExecCycleLimit != nil && total > *def.ExecCycleLimit*1_000_000 {
		return nil, types.NewValidationError("execution needs %d cycles, limit is %dM", total, *def.ExecCycleLimit)
	}

	job := req.JobID.String()
	for i := 0; i < segments; i++ {
		lo := i * h.cfg.SegmentSize
		hi := min(lo+h.cfg.SegmentSize, len(program))
		var seg []byte
		if lo < hi {
			seg = program[lo:hi]
		}
		if err := h.save(ctx, taskdef.TypeExecutor, artifact.SegmentKey(job, i), digest("segment-data", seg, []byte{byte(i)})); err != nil {
			return nil, err
		}
	}

	keccaks := bytes.Count(input, keccakMarker)
	for i := 0; i < keccaks; i++ {
		if err := h.save(ctx, taskdef.TypeExecutor, artifact.KeccakKey(job, i), digest("keccak-request", input, []byte{byte(i)})); err != nil {
			return nil, err
		}
	}
	if err := h.save(ctx, taskdef.TypeExecutor, artifact.JournalKey(job), digest("journal", elf, input)); err != nil {
		return nil, err
	}

	h.logger.Debug("executed",
		zap.String("job_id", job),
		zap.Int("segments", segments),
		zap.Int("keccaks", keccaks),
		zap.Uint64("total_cycles", total))

	return taskdef.ExecutorResp{
		Segments:        segments,
		UserCycles:      uint64(len(input)) * 8,
		TotalCycles:     total,
		KeccakCount:     keccaks,
		AssumptionCount: len(def.Assumptions),
	}, nil
}

func (h *devHandlers) prove(ctx context.Context, req Request) (any, error) {
	def, err := definition[taskdef.ProveReq](req)
	if err != nil {
		return nil, err
	}
	job := req.JobID.String()
	seg, err := h.load(ctx, taskdef.TypeProve, artifact.SegmentKey(job, def.Index), false)
	if err != nil {
		return nil, err
	}
	return h.proveAndLift(ctx, taskdef.TypeProve, job, req.TaskID, seg)
}

func (h *devHandlers) keccak(ctx context.Context, req Request) (any, error) {
	def, err := definition[taskdef.KeccakReq](req)
	if err != nil {
		return nil, err
	}
	job := req.JobID.String()
	request, err := h.load(ctx, taskdef.TypeKeccak, artifact.KeccakKey(job, def.Index), false)
	if err != nil {
		return nil, err
	}
	return h.proveAndLift(ctx, taskdef.TypeKeccak, job, req.TaskID, request)
}

func (h *devHandlers) proveAndLift(ctx context.Context, stage taskdef.TaskType, job, taskID string, data []byte) (any, error) {
	receipt, err := h.prover.ProveSegment(ctx, data)
	if err != nil {
		return nil, types.NewHandlerError(string(stage), err)
	}
	lifted, err := h.prover.Lift(ctx, receipt)
	if err != nil {
		return nil, types.NewHandlerError(string(stage), err)
	}
	key := artifact.JobReceiptKey(job, taskID)
	if err := h.save(ctx, stage, key, lifted); err != nil {
		return nil, err
	}
	return taskdef.ReceiptResp{Key: key}, nil
}

func (h *devHandlers) join(ctx context.Context, req Request) (any, error) {
	def, err := definition[taskdef.JoinReq](req)
	if err != nil {
		return nil, err
	}
	return h.merge(ctx, taskdef.TypeJoin, req, def.Left, def.Right)
}

func (h *devHandlers) union(ctx context.Context, req Request) (any, error) {
	def, err := definition[taskdef.UnionReq](req)
	if err != nil {
		return nil, err
	}
	return h.merge(ctx, taskdef.TypeUnion, req, def.Left, def.Right)
}

func (h *devHandlers) merge(ctx context.Context, stage taskdef.TaskType, req Request, left, right string) (any, error) {
	job := req.JobID.String()
	l, err := h.load(ctx, stage, artifact.JobReceiptKey(job, left), false)
	if err != nil {
		return nil, err
	}
	r, err := h.load(ctx, stage, artifact.JobReceiptKey(job, right), false)
	if err != nil {
		return nil, err
	}
	joined, err := h.prover.Join(ctx, l, r)
	if err != nil {
		return nil, types.NewHandlerError(string(stage), err)
	}
	key := artifact.JobReceiptKey(job, req.TaskID)
	if err := h.save(ctx, stage, key, joined); err != nil {
		return nil, err
	}
	return taskdef.ReceiptResp{Key: key}, nil
}

func (h *devHandlers) resolve(ctx context.Context, req Request) (any, error) {
	def, err := definition[taskdef.ResolveReq](req)
	if err != nil {
		return nil, err
	}
	job := req.JobID.String()
	root, err := h.load(ctx, taskdef.TypeResolve, artifact.JobReceiptKey(job, def.Root), false)
	if err != nil {
		return nil, err
	}

	var assumptions [][]byte
	if def.Union != "" {
		u, err := h.load(ctx, taskdef.TypeResolve, artifact.JobReceiptKey(job, def.Union), false)
		if err != nil {
			return nil, err
		}
		assumptions = append(assumptions, u)
	}
	for _, id := range def.Assumptions {
		a, err := h.load(ctx, taskdef.TypeResolve, artifact.ReceiptKey(artifact.BucketStark, id), true)
		if err != nil {
			return nil, err
		}
		assumptions = append(assumptions, a)
	}

	resolved, err := h.prover.Resolve(ctx, root, assumptions)
	if err != nil {
		return nil, types.NewHandlerError(string(taskdef.TypeResolve), err)
	}
	key := artifact.JobReceiptKey(job, req.TaskID)
	if err := h.save(ctx, taskdef.TypeResolve, key, resolved); err != nil {
		return nil, err
	}
	return taskdef.ReceiptResp{Key: key}, nil
}

func (h *devHandlers) finalize(ctx context.Context, req Request) (any, error) {
	def, err := definition[taskdef.FinalizeReq](req)
	if err != nil {
		return nil, err
	}
	job := req.JobID.String()
	root, err := h.load(ctx, taskdef.TypeFinalize, artifact.JobReceiptKey(job, def.Root), false)
	if err != nil {
		return nil, err
	}
	journal, err := h.load(ctx, taskdef.TypeFinalize, artifact.JournalKey(job), false)
	if err != nil {
		return nil, err
	}
	seal, err := h.prover.Finalize(ctx, root, journal)
	if err != nil {
		return nil, types.NewHandlerError(string(taskdef.TypeFinalize), err)
	}

	data, err := (&Receipt{ImageID: def.Image, Journal: journal, Seal: seal}).Encode()
	if err != nil {
		return nil, types.NewHandlerError(string(taskdef.TypeFinalize), err)
	}
	key := artifact.ReceiptKey(artifact.BucketStark, job)
	if err := h.save(ctx, taskdef.TypeFinalize, key, data); err != nil {
		return nil, err
	}
	return taskdef.ReceiptResp{Key: key}, nil
}

func (h *devHandlers) snark(ctx context.Context, req Request) (any, error) {
	def, err := definition[taskdef.SnarkReq](req)
	if err != nil {
		return nil, err
	}
	if def.CompressType != taskdef.CompressGroth16 {
		return nil, types.NewValidationError("snark: unsupported compress type %q", def.CompressType)
	}
	stark, err := h.load(ctx, taskdef.TypeSnark, artifact.ReceiptKey(artifact.BucketStark, def.Receipt), true)
	if err != nil {
		return nil, err
	}
	proof, err := h.prover.Compress(ctx, stark)
	if err != nil {
		return nil, types.NewHandlerError(string(taskdef.TypeSnark), err)
	}
	key := artifact.ReceiptKey(artifact.BucketGroth16, def.Receipt)
	if err := h.save(ctx, taskdef.TypeSnark, key, proof); err != nil {
		return nil, err
	}
	return taskdef.ReceiptResp{Key: key}, nil
}
