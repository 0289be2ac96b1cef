package models

import (
	"encoding/json"
)

// JobMetadata carries the retry lineage fields the lifecycle engine actually
// reads, plus an opaque bag for anything else callers attach. Unknown keys
// survive a load/store round trip.
type JobMetadata struct {
	IsRetry       bool
	OriginalJobID string
	RetryAttempt  int
	Extra         map[string]any
}

const (
	metaIsRetry       = "isRetry"
	metaOriginalJobID = "originalJobId"
	metaRetryAttempt  = "retryAttempt"
)

func (m JobMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.IsRetry {
		out[metaIsRetry] = true
	}
	if m.OriginalJobID != "" {
		out[metaOriginalJobID] = m.OriginalJobID
	}
	if m.RetryAttempt > 0 {
		out[metaRetryAttempt] = m.RetryAttempt
	}
	return json.Marshal(out)
}

func (m *JobMetadata) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = JobMetadata{}
	for k, v := range raw {
		switch k {
		case metaIsRetry:
			if b, ok := v.(bool); ok {
				m.IsRetry = b
				continue
			}
		case metaOriginalJobID:
			if s, ok := v.(string); ok {
				m.OriginalJobID = s
				continue
			}
		case metaRetryAttempt:
			if f, ok := v.(float64); ok {
				m.RetryAttempt = int(f)
				continue
			}
		}
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra[k] = v
	}
	return nil
}

// RetryLineage builds the metadata for a retry of a job carrying m.
// The attempt counter starts at 1 for the first retry.
func (m JobMetadata) RetryLineage(originalJobID string) JobMetadata {
	return JobMetadata{
		IsRetry:       true,
		OriginalJobID: originalJobID,
		RetryAttempt:  m.RetryAttempt + 1,
	}
}
