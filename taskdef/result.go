package taskdef

import (
	"encoding/json"
	"fmt"
)

// ExecutorResp is the result of the Executor stage.
type ExecutorResp struct {
	Segments        int    `json:"segments"`
	UserCycles      uint64 `json:"user_cycles"`
	TotalCycles     uint64 `json:"total_cycles"`
	KeccakCount     int    `json:"keccak_count,omitempty"`
	AssumptionCount int    `json:"assumption_count,omitempty"`
}

// ReceiptResp is returned by every stage that stores a receipt.
type ReceiptResp struct {
	Key string `json:"key"`
}

// DecodeExecutorResp parses a stored executor output.
func DecodeExecutorResp(data []byte) (ExecutorResp, error) {
	var resp ExecutorResp
	if err := json.Unmarshal(data, &resp); err != nil {
		return ExecutorResp{}, fmt.Errorf("decode executor output: %w", err)
	}
	return resp, nil
}
