package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadpilot/models"
)

func TestJobEncoding(t *testing.T) {
	job := Job{CustomerID: "c1", LeadID: uuid.New(), Trigger: models.TriggerFollowUp3d}

	body, err := encodeJob(job)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"trigger":"followup_3d"`)

	got, err := decodeJob(body)
	require.NoError(t, err)
	assert.Equal(t, job, got)

	_, err = decodeJob([]byte(`{"customer_id":"c1"}`))
	assert.Error(t, err)
	_, err = decodeJob([]byte(`not json`))
	assert.Error(t, err)
	_, err = encodeJob(Job{CustomerID: "c1"})
	assert.Error(t, err)
}

func TestDirectDeliversInOrder(t *testing.T) {
	q := NewDirect(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs := []Job{
		{CustomerID: "c1", LeadID: uuid.New(), Trigger: models.TriggerNewLead},
		{CustomerID: "c1", LeadID: uuid.New(), Trigger: models.TriggerFollowUp7d},
	}
	for _, j := range jobs {
		require.NoError(t, q.Publish(ctx, j))
	}

	got := make(chan Job, len(jobs))
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, func(_ context.Context, j Job) error {
			got <- j
			if j.Trigger == models.TriggerNewLead {
				return errors.New("handler errors are logged, not fatal")
			}
			return nil
		})
	}()

	for _, want := range jobs {
		select {
		case j := <-got:
			assert.Equal(t, want, j)
		case <-time.After(2 * time.Second):
			t.Fatal("job not delivered")
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestDirectClose(t *testing.T) {
	q := NewDirect(1, nil)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	err := q.Publish(context.Background(), Job{CustomerID: "c1", LeadID: uuid.New(), Trigger: models.TriggerNewLead})
	assert.ErrorIs(t, err, ErrClosed)

	assert.NoError(t, q.Consume(context.Background(), func(context.Context, Job) error { return nil }))
}

func TestDirectPublishRespectsContext(t *testing.T) {
	q := NewDirect(1, nil)
	job := Job{CustomerID: "c1", LeadID: uuid.New(), Trigger: models.TriggerNewLead}
	require.NoError(t, q.Publish(context.Background(), job))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Publish(ctx, job), context.DeadlineExceeded)
}
