// Package transcript reads and watches the assistant's on-disk session
// store: one directory per project (path-encoded name), one JSONL file per
// session, append-only.
package transcript

import "encoding/json"

// Internal record types that never reach subscribers.
var internalTypes = map[string]bool{
	"queue-operation":       true,
	"checkpoint":            true,
	"file-history-snapshot": true,
	"summary":               true,
}

// Usage is the token accounting block on assistant records.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// MessageBody is the nested message object on user/assistant records.
type MessageBody struct {
	Role  string `json:"role"`
	Usage *Usage `json:"usage,omitempty"`
}

// Record is one parsed JSONL line. Only the envelope fields the coordinator
// needs are typed; Raw preserves the full line for passthrough delivery.
type Record struct {
	Type        string       `json:"type"`
	UUID        string       `json:"uuid"`
	Timestamp   string       `json:"timestamp"`
	IsSidechain bool         `json:"isSidechain"`
	IsAPIError  bool         `json:"isApiErrorMessage"`
	CWD         string       `json:"cwd"`
	SessionID   string       `json:"sessionId"`
	Message     *MessageBody `json:"message"`

	Raw json.RawMessage `json:"-"`
}

// ParseRecord decodes a single JSONL line, keeping the raw bytes.
func ParseRecord(line []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, err
	}
	rec.Raw = append(json.RawMessage(nil), line...)
	return rec, nil
}

// IsInternal reports whether this record is store bookkeeping that should
// not be delivered or counted as a conversation message.
func (r Record) IsInternal() bool {
	return internalTypes[r.Type]
}

// MarshalJSON emits the original line so no fields are lost in transit.
func (r Record) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	type alias Record
	return json.Marshal(alias(r))
}
