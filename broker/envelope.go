// Package broker carries dispatch envelopes, input blobs and the controller
// leader lease over an embedded Badger store. The broker is deliberately
// non-transactional with the relational store: the supervisor loops reconcile
// the two sides rather than assuming atomicity across them.
package broker

import (
	"encoding/json"
	"fmt"

	"github.com/philiplau114/PocketFlowProject/errors"
)

// Envelope is the message a worker pops to start on a task. The parameter
// file itself travels separately as a blob under InputBlobKey so the queue
// entries stay small.
type Envelope struct {
	JobID        int64  `json:"job_id"`
	TaskID       int64  `json:"task_id"`
	SetFileName  string `json:"set_file_name"`
	InputBlobKey string `json:"input_blob_key"`
	EAName       string `json:"ea_name"`
	Symbol       string `json:"symbol"`
	Timeframe    string `json:"timeframe"`
}

// InputBlobKey is the canonical blob key for a task's parameter file
func InputBlobKey(taskID int64) string {
	return fmt.Sprintf("task:%d:input_blob", taskID)
}

// Marshal encodes the envelope as JSON
func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal envelope for task %d", e.TaskID)
	}
	return data, nil
}

// UnmarshalEnvelope decodes an envelope from JSON
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, errors.Wrap(err, "unmarshal envelope")
	}
	return e, nil
}
