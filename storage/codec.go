package storage

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/songzhibin97/electron-store/types"
)

func encodeRecord(rec types.TaskNodeRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task node %d: %v", rec.ID, err)
	}
	return data, nil
}

// decodeRecord unmarshals a stored record and rejects ones whose timestamps
// break the record invariants.
func decodeRecord(data []byte) (types.TaskNodeRecord, error) {
	var rec types.TaskNodeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("%w: malformed task node: %v", ErrConstraintViolation, err)
	}
	if err := checkRecord(rec); err != nil {
		return rec, err
	}
	return rec, nil
}
