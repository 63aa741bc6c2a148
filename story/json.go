package story

import (
	"encoding/json"
	"fmt"
)

// ParsePayload unwraps a BaseMessage envelope and decodes its payload
// into T. When the data is not an envelope (no payload field), it is
// decoded directly, so both wrapped and bare messages are accepted.
func ParsePayload[T any](data []byte) (*T, error) {
	var envelope struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && len(envelope.Payload) > 0 {
		data = envelope.Payload
	}

	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal payload into %T: %w", result, err)
	}
	return &result, nil
}
