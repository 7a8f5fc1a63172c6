package domain

import (
	"fmt"
	"strings"
)

// NormalizeStatus canonicalizes an external status string. The mapping is
// exhaustive: anything unrecognized maps to failed with a diagnostic message
// (empty for recognized values). Matching is case-insensitive on the trimmed
// input, and the function is idempotent over its own output.
func NormalizeStatus(raw string) (JobStatus, string) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "pending", "waiting":
		return JobQueued, ""
	case "processing", "running", "in_progress", "started":
		return JobProcessing, ""
	case "completed", "success", "succeeded", "ok", "done", "finished":
		return JobCompleted, ""
	case "failed", "error", "errored", "exception":
		return JobFailed, ""
	case "canceled", "cancelled", "aborted":
		return JobCanceled, ""
	default:
		return JobFailed, fmt.Sprintf("unrecognized status: %s", raw)
	}
}

// NormalizeProgress maps an external progress value onto [0,1]. Values on a
// percentage scale are divided by 100. A missing value is derived from the
// canonical status: 1.0 for completed, 0.0 for queued, and the previously
// stored progress while processing. The result is clamped to [0,1].
func NormalizeProgress(raw *float64, status JobStatus, prev float64) float64 {
	if raw == nil {
		switch status {
		case JobCompleted:
			return 1.0
		case JobQueued:
			return 0.0
		default:
			return clamp01(prev)
		}
	}
	v := *raw
	if v > 1.0 {
		v /= 100.0
	}
	if status == JobCompleted {
		return 1.0
	}
	return clamp01(v)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
