package registry

import (
	"encoding/json"
	"time"

	"github.com/lumenhearth/cogkernel/internal/types"
)

// override is the persisted admin overlay for one node.
type override struct {
	Enabled          bool            `json:"enabled"`
	PriorityOverride *types.Priority `json:"priority_override,omitempty"`
	SuspendedUntil   time.Time       `json:"suspended_until,omitempty"`
}

func marshalOverride(e *entry) ([]byte, error) {
	return json.Marshal(override{
		Enabled:          e.enabled,
		PriorityOverride: e.priorityOverride,
		SuspendedUntil:   e.suspendedUntil,
	})
}

func unmarshalOverride(data []byte) (override, error) {
	var ov override
	err := json.Unmarshal(data, &ov)
	return ov, err
}
