package remote

import (
	"github.com/BaSui01/proofflow/types"
)

// TaskStatus is the progress state reported back to the remote coordinator.
type TaskStatus string

const (
	StatusPending         TaskStatus = "pending"
	StatusGeneratingProof TaskStatus = "generating_proof"
	StatusUploadingProof  TaskStatus = "uploading_proof"
	StatusCompleted       TaskStatus = "completed"
	StatusFailed          TaskStatus = "failed"
)

// Assignment kinds.
const (
	KindStark   = "stark"
	KindGroth16 = "groth16"
	KindUnknown = "unknown"
)

// InputData references a program input either by id or by inline bytes.
type InputData struct {
	ID     string `json:"id,omitempty"`
	Inline []byte `json:"inline,omitempty"`
}

// StarkTaskDetails asks for a full STARK proof of a guest run.
type StarkTaskDetails struct {
	ImageID          string      `json:"image_id"`
	ElfData          []byte      `json:"elf_data"`
	Input            *InputData  `json:"input,omitempty"`
	ExecCycleLimit   uint64      `json:"exec_cycle_limit,omitempty"`
	AssumptionInputs []InputData `json:"assumption_inputs,omitempty"`
	ExecuteOnly      bool        `json:"execute_only,omitempty"`
}

// Groth16TaskDetails asks to wrap an existing STARK receipt.
type Groth16TaskDetails struct {
	SourceTaskID     string `json:"source_task_id,omitempty"`
	StarkReceiptData []byte `json:"stark_receipt_data,omitempty"`
}

// TaskAssignment is one unit of work pushed by the coordinator. Exactly one
// of Stark and Groth16 is set.
type TaskAssignment struct {
	TaskID  string              `json:"task_id"`
	Stark   *StarkTaskDetails   `json:"stark,omitempty"`
	Groth16 *Groth16TaskDetails `json:"groth16,omitempty"`
}

// Kind names the assignment variant.
func (a *TaskAssignment) Kind() string {
	switch {
	case a == nil:
		return KindUnknown
	case a.Stark != nil && a.Groth16 == nil:
		return KindStark
	case a.Groth16 != nil && a.Stark == nil:
		return KindGroth16
	default:
		return KindUnknown
	}
}

// Validate checks the envelope shape. Variant contents are checked on
// conversion.
func (a *TaskAssignment) Validate() error {
	if a == nil {
		return types.NewValidationError("nil task assignment")
	}
	if a.TaskID == "" {
		return types.NewValidationError("task assignment: task id is required")
	}
	if a.Kind() == KindUnknown {
		return types.NewValidationError("task assignment %s: exactly one of stark or groth16 details is required", a.TaskID)
	}
	return nil
}

// RequestTaskRequest opens an assignment stream.
type RequestTaskRequest struct {
	WorkerID string `json:"worker_id"`
	Capacity int    `json:"capacity"`
}

// ProgressUpdate reports the state of an assignment.
type ProgressUpdate struct {
	TaskID        string     `json:"task_id"`
	Status        TaskStatus `json:"status"`
	Message       string     `json:"message,omitempty"`
	TotalSegments *int       `json:"total_segments,omitempty"`
	TotalCycles   *uint64    `json:"total_cycles,omitempty"`
}

// Ack acknowledges a unary call.
type Ack struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// DownloadRequest asks for one artifact.
type DownloadRequest struct {
	Key string `json:"key"`
}

// Transfer kinds carried in Metadata. Uploads flow worker to coordinator;
// TransferAssignment carries one JSON encoded TaskAssignment the other way.
const (
	UploadStark        = "stark_result"
	UploadGroth16      = "groth16_result"
	UploadArtifact     = "artifact"
	TransferAssignment = "assignment"
)

// MaxAssignmentBytes bounds the JSON encoding of one TaskAssignment, inline
// ELF and receipt bytes included.
const MaxAssignmentBytes int64 = 512 << 20

// Metadata opens a chunked transfer. For a STARK result the chunks carry
// Size receipt bytes followed by JournalSize journal bytes.
type Metadata struct {
	Kind        string `json:"kind"`
	TaskID      string `json:"task_id,omitempty"`
	Key         string `json:"key,omitempty"`
	Description string `json:"description,omitempty"`
	Size        int64  `json:"size"`
	JournalSize int64  `json:"journal_size,omitempty"`
}

// Total is the number of payload bytes the transfer announces.
func (m *Metadata) Total() int64 { return m.Size + m.JournalSize }

// Frame is one message of a chunked transfer: either the metadata or a
// chunk, never both.
type Frame struct {
	Metadata *Metadata `json:"metadata,omitempty"`
	Chunk    []byte    `json:"chunk,omitempty"`
}
