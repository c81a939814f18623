package stage

import (
	"encoding/json"
	"fmt"
)

// Receipt is the stored form of a finalized receipt.
type Receipt struct {
	ImageID string `json:"image_id"`
	Journal []byte `json:"journal"`
	Seal    []byte `json:"seal"`
}

// Encode serializes the receipt.
func (r *Receipt) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeReceipt parses a stored receipt.
func DecodeReceipt(data []byte) (*Receipt, error) {
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &r, nil
}

// Journal extracts the journal of a stored receipt.
func Journal(data []byte) ([]byte, error) {
	r, err := DecodeReceipt(data)
	if err != nil {
		return nil, err
	}
	return r.Journal, nil
}
