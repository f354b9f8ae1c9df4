package queue

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"leadpilot/models"
)

var ErrClosed = eris.New("queue is closed")

// Job asks a dispatch worker to message one lead for one trigger.
type Job struct {
	CustomerID string             `json:"customer_id"`
	LeadID     uuid.UUID          `json:"lead_id"`
	Trigger    models.TriggerType `json:"trigger"`
}

func (j Job) validate() error {
	if j.CustomerID == "" || j.LeadID == uuid.Nil || j.Trigger == "" {
		return eris.Errorf("incomplete dispatch job %+v", j)
	}
	return nil
}

type Handler func(ctx context.Context, job Job) error

type Publisher interface {
	Publish(ctx context.Context, job Job) error
}

// Queue carries dispatch jobs from producers (scheduler, poller) to the dispatch worker.
type Queue interface {
	Publisher
	// Consume blocks, handing each job to h until ctx is cancelled or the queue closes.
	Consume(ctx context.Context, h Handler) error
	Close() error
}

func encodeJob(job Job) ([]byte, error) {
	if err := job.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return nil, eris.Wrap(err, "marshal job")
	}
	return body, nil
}

func decodeJob(body []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, eris.Wrap(err, "unmarshal job")
	}
	return job, job.validate()
}
