package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

func terminalEvent(jobID string, seq int) domain.StatusEvent {
	return domain.StatusEvent{
		JobID:     jobID,
		Status:    domain.JobCompleted,
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
	}
}

func TestExpiredTerminalsReleasePublishLocks(t *testing.T) {
	h := NewHub(8, 20*time.Millisecond)

	h.Publish(terminalEvent("job-old", 1))
	time.Sleep(30 * time.Millisecond)
	h.Publish(terminalEvent("job-new", 1))

	h.jobMu.Lock()
	_, oldHeld := h.jobLocks["job-old"]
	_, newHeld := h.jobLocks["job-new"]
	h.jobMu.Unlock()
	require.False(t, oldHeld, "expired terminal job must not pin its publish lock")
	require.True(t, newHeld)

	h.termMu.Lock()
	_, retained := h.terminals["job-old"]
	h.termMu.Unlock()
	require.False(t, retained)
}
