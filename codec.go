package procession

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/stephenfire/go-rtl"
)

var ErrEncoding = errors.New("failed to encode state")
var ErrDecoding = errors.New("failed to decode state")

// stateRecord is the wire shape of a snapshot. The failure travels as its
// message only; it comes back as an opaque error.
type stateRecord struct {
	ID                 string
	Status             int64
	CompletedCount     int64
	CompensationCursor int64
	Failure            string
	HasFailure         bool
}

// MarshalState encodes a snapshot for callers persisting state in an opaque
// blob. Column-per-field stores can read the fields directly instead.
func MarshalState(s ProcessState) ([]byte, error) {
	record := stateRecord{
		ID:                 s.ID.String(),
		Status:             int64(s.Status),
		CompletedCount:     int64(s.CompletedCount),
		CompensationCursor: int64(s.CompensationCursor),
	}
	if s.Failure != nil {
		record.Failure = s.Failure.Error()
		record.HasFailure = true
	}

	buf := new(bytes.Buffer)
	if err := rtl.Encode(record, buf); err != nil {
		return nil, errors.Join(ErrEncoding, err)
	}
	return buf.Bytes(), nil
}

// UnmarshalState decodes a snapshot previously produced by MarshalState.
func UnmarshalState(data []byte) (ProcessState, error) {
	var record stateRecord
	if err := rtl.Decode(bytes.NewBuffer(data), &record); err != nil {
		return ProcessState{}, errors.Join(ErrDecoding, err)
	}

	id, err := uuid.Parse(record.ID)
	if err != nil {
		return ProcessState{}, errors.Join(ErrDecoding, err)
	}
	if record.Status < 0 || record.Status >= int64(len(ProcessStatusValues())) {
		return ProcessState{}, errors.Join(ErrDecoding, fmt.Errorf("status %d out of range", record.Status))
	}

	state := ProcessState{
		ID:                 id,
		Status:             ProcessStatus(record.Status),
		CompletedCount:     int(record.CompletedCount),
		CompensationCursor: int(record.CompensationCursor),
	}
	if record.HasFailure {
		state.Failure = errors.New(record.Failure)
	}
	return state, nil
}
