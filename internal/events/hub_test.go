package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe()

	h.Publish(JobStatus, JobData{RunID: "r1", Job: "lint", Stage: "test", Status: "running", Attempt: 1})

	ev := <-ch
	assert.Equal(t, int64(1), ev.ID)
	assert.Equal(t, JobStatus, ev.Type)
	var data JobData
	require.NoError(t, ev.Decode(&data))
	assert.Equal(t, "lint", data.Job)
	assert.Equal(t, 1, data.Attempt)

	cancel()
	_, open := <-ch
	assert.False(t, open)

	// Cancel is idempotent and publishing after it does not panic.
	cancel()
	h.Publish(PipelineFinished, nil)
}

func TestHubRingBuffer(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(PipelineCreated, PipelineData{RunID: "r"})
	}

	all := h.SnapshotSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{all[0].ID, all[1].ID, all[2].ID})

	since := h.SnapshotSince(4)
	require.Len(t, since, 1)
	assert.Equal(t, int64(5), since[0].ID)
	assert.Empty(t, h.SnapshotSince(5))
}

func TestHubNilPayload(t *testing.T) {
	h := NewHub(0)
	h.Publish(HousekeepingPruned, nil)
	snap := h.SnapshotSince(0)
	require.Len(t, snap, 1)
	assert.JSONEq(t, `{}`, string(snap[0].Data))
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(8)
	_, cancel := h.Subscribe()
	defer cancel()

	for i := 0; i < 1000; i++ {
		h.Publish(JobStatus, JobData{Job: "x"})
	}
	assert.Len(t, h.SnapshotSince(0), 8)
}
