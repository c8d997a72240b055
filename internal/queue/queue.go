// Package queue carries ingestion jobs from the API to the worker with
// at-least-once delivery, delayed retries and a capped dead-letter list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidJob is returned by Decode when the payload is not a job or a
// required field is empty.
var ErrInvalidJob = errors.New("invalid job payload")

// failedKeep caps the dead-letter list.
const failedKeep = 50

// Job asks the worker to ingest one uploaded file.
type Job struct {
	FileID string `json:"fileId"`
	ChatID string `json:"chatId"`
	URL    string `json:"url"`
}

// Encode renders the wire payload.
func (j Job) Encode() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses a payload. Producers that double-encode (a JSON string
// holding the object) are accepted too. On ErrInvalidJob the returned Job
// still carries whatever fields were present.
func Decode(raw string) (Job, error) {
	data := []byte(strings.TrimSpace(raw))
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return Job{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
		data = []byte(inner)
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	var missing []string
	if j.URL == "" {
		missing = append(missing, "url")
	}
	if j.ChatID == "" {
		missing = append(missing, "chatId")
	}
	if j.FileID == "" {
		missing = append(missing, "fileId")
	}
	if len(missing) > 0 {
		return j, fmt.Errorf("%w: missing %s", ErrInvalidJob, strings.Join(missing, ", "))
	}
	return j, nil
}

// Delivery is one reserved job. Attempt starts at 1 and grows with every
// reservation of the same payload, except redeliveries after a consumer
// crash.
type Delivery struct {
	Raw     string
	Attempt int
}

// Job decodes the payload.
func (d *Delivery) Job() (Job, error) { return Decode(d.Raw) }

// FailedJob is a dead-lettered payload.
type FailedJob struct {
	Raw      string    `json:"raw"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failedAt"`
}

// Queue is the job queue collaborator.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Reserve blocks until a job is available or ctx is done.
	Reserve(ctx context.Context) (*Delivery, error)
	// Ack removes a finished delivery.
	Ack(ctx context.Context, d *Delivery) error
	// Retry makes the payload visible again after delay.
	Retry(ctx context.Context, d *Delivery, delay time.Duration) error
	// Fail moves the payload to the dead-letter list.
	Fail(ctx context.Context, d *Delivery, cause error) error
}

// Recoverer is implemented by queues whose reservations can outlive a
// crashed consumer. Recover requeues them and reports how many it moved.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
