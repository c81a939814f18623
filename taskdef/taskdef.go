// Package taskdef defines the closed set of pipeline task definitions and
// the envelope used to persist them in the task queue.
package taskdef

import (
	"encoding/json"
	"fmt"

	"github.com/BaSui01/proofflow/types"
)

// TaskType tags a task with the stage that executes it.
type TaskType string

const (
	TypeExecutor TaskType = "executor"
	TypeProve    TaskType = "prove"
	TypeJoin     TaskType = "join"
	TypeResolve  TaskType = "resolve"
	TypeFinalize TaskType = "finalize"
	TypeSnark    TaskType = "snark"
	TypeKeccak   TaskType = "keccak"
	TypeUnion    TaskType = "union"
)

// AllTypes lists every task type in pipeline order.
var AllTypes = []TaskType{
	TypeExecutor, TypeProve, TypeJoin, TypeResolve,
	TypeFinalize, TypeSnark, TypeKeccak, TypeUnion,
}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (t TaskType) String() string { return string(t) }

// ParseTaskType parses a task type tag.
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(s)
	if !t.Valid() {
		return "", types.NewValidationError("unknown task type %q", s)
	}
	return t, nil
}

// CompressType selects the optional wrapping stage of a job.
type CompressType string

const (
	CompressNone    CompressType = "none"
	CompressGroth16 CompressType = "groth16"
)

// Definition is implemented by every task payload.
type Definition interface {
	Type() TaskType
}

// ExecutorReq starts a job: it runs the guest image against an input and
// reports how many segments need proving.
type ExecutorReq struct {
	Image          string       `json:"image"`
	Input          string       `json:"input"`
	UserID         string       `json:"user_id"`
	Assumptions    []string     `json:"assumptions,omitempty"`
	ExecuteOnly    bool         `json:"execute_only"`
	Compress       CompressType `json:"compress,omitempty"`
	ExecCycleLimit *uint64      `json:"exec_limit,omitempty"`
}

// ProveReq proves one segment.
type ProveReq struct {
	Index int `json:"index"`
}

// JoinReq merges two sibling receipts, identified by the task ids that
// produced them.
type JoinReq struct {
	Index int    `json:"index"`
	Left  string `json:"left"`
	Right string `json:"right"`
}

// ResolveReq merges assumption receipts into the joined root.
type ResolveReq struct {
	Root        string   `json:"root"`
	Union       string   `json:"union,omitempty"`
	Assumptions []string `json:"assumptions,omitempty"`
}

// FinalizeReq produces the canonical receipt of the job. Image is the
// image id the receipt is bound to.
type FinalizeReq struct {
	Root  string `json:"root"`
	Image string `json:"image,omitempty"`
}

// SnarkReq wraps a finalized receipt into a succinct proof.
type SnarkReq struct {
	Receipt      string       `json:"receipt"`
	CompressType CompressType `json:"compress_type"`
}

// KeccakReq proves one coprocessor keccak request.
type KeccakReq struct {
	Index int `json:"index"`
}

// UnionReq merges two keccak receipts.
type UnionReq struct {
	Index int    `json:"index"`
	Left  string `json:"left"`
	Right string `json:"right"`
}

func (ExecutorReq) Type() TaskType { return TypeExecutor }
func (ProveReq) Type() TaskType    { return TypeProve }
func (JoinReq) Type() TaskType     { return TypeJoin }
func (ResolveReq) Type() TaskType  { return TypeResolve }
func (FinalizeReq) Type() TaskType { return TypeFinalize }
func (SnarkReq) Type() TaskType    { return TypeSnark }
func (KeccakReq) Type() TaskType   { return TypeKeccak }
func (UnionReq) Type() TaskType    { return TypeUnion }

// Validate checks the fields an executor cannot run without.
func (r ExecutorReq) Validate() error {
	if r.Image == "" {
		return types.NewValidationError("executor request: image is required")
	}
	if r.Input == "" {
		return types.NewValidationError("executor request: input is required")
	}
	switch r.Compress {
	case "", CompressNone, CompressGroth16:
	default:
		return types.NewValidationError("executor request: unknown compress type %q", r.Compress)
	}
	return nil
}

// WantsSnark reports whether the job ends with a Snark stage.
func (r ExecutorReq) WantsSnark() bool {
	return r.Compress == CompressGroth16 && !r.ExecuteOnly
}

// =============================================================================
// Envelope codec
// =============================================================================

type envelope struct {
	Type    TaskType        `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes a definition together with its type tag.
func Encode(def Definition) ([]byte, error) {
	if def == nil {
		return nil, types.NewValidationError("nil task definition")
	}
	payload, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("encode %s definition: %w", def.Type(), err)
	}
	return json.Marshal(envelope{Type: def.Type(), Payload: payload})
}

// Decode parses an envelope produced by Encode into its concrete variant.
func Decode(data []byte) (Definition, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, types.NewValidationError("malformed task definition").WithCause(err)
	}

	switch env.Type {
	case TypeExecutor:
		return decodeAs[ExecutorReq](env)
	case TypeProve:
		return decodeAs[ProveReq](env)
	case TypeJoin:
		return decodeAs[JoinReq](env)
	case TypeResolve:
		return decodeAs[ResolveReq](env)
	case TypeFinalize:
		return decodeAs[FinalizeReq](env)
	case TypeSnark:
		return decodeAs[SnarkReq](env)
	case TypeKeccak:
		return decodeAs[KeccakReq](env)
	case TypeUnion:
		return decodeAs[UnionReq](env)
	default:
		return nil, types.NewValidationError("unknown task type %q", env.Type)
	}
}

func decodeAs[T Definition](env envelope) (Definition, error) {
	var def T
	if len(env.Payload) == 0 {
		return nil, types.NewValidationError("%s definition has no payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &def); err != nil {
		return nil, types.NewValidationError("malformed %s definition", env.Type).WithCause(err)
	}
	return def, nil
}
