package jobqueue

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
)

// KeyPrefix namespaces job records inside a shared record store.
const KeyPrefix = "JobBroker#"

type State string

const (
	StateWaiting  State = "waiting"
	StateStarting State = "starting"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Record is the persisted state of one enqueued job. Timestamps are
// milliseconds since epoch.
type Record struct {
	ID        string          `json:"id"`
	State     State           `json:"state"`
	CreatedAt int64           `json:"created_at"`
	StartedAt int64           `json:"started_at,omitempty"`
	EndedAt   int64           `json:"ended_at,omitempty"`
	Handler   string          `json:"handler"`
	Parameter json.RawMessage `json:"parameter"`
}

func (r Record) StartedTime() time.Time {
	return core.FromUnixMillis(r.StartedAt)
}

// RecordKey joins a scheduler registration with its job record.
func RecordKey(callbackName string, registrationID string) string {
	return KeyPrefix + strings.TrimSpace(callbackName) + "#" + strings.TrimSpace(registrationID)
}

func encodeRecord(record Record) ([]byte, error) {
	return json.Marshal(record)
}

func decodeRecord(raw []byte) (Record, error) {
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, err
	}
	return record, nil
}
