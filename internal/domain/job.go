package domain

import (
	"fmt"
	"time"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusClaimed JobStatus = "claimed"
	JobStatusDone    JobStatus = "done"
	JobStatusError   JobStatus = "error"
)

// Terminal reports whether no transition may leave the status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusError
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusClaimed, JobStatusDone, JobStatusError:
		return true
	}
	return false
}

// ParseJobStatus converts a stored status string. Unknown values indicate a
// corrupted row.
func ParseJobStatus(raw string) (JobStatus, error) {
	s := JobStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown job status %q", ErrCorruptResult, raw)
	}
	return s, nil
}

// JobEvent names what happened to a job.
type JobEvent string

const (
	EventAdmit               JobEvent = "admit"
	EventLeaseAcquired       JobEvent = "lease_acquired"
	EventExtractionSucceeded JobEvent = "extraction_succeeded"
	EventExtractionFailed    JobEvent = "extraction_failed"
)

// Transition returns the status reached from `from` on event ev. The empty
// status stands for a job that does not exist yet.
func Transition(from JobStatus, ev JobEvent) (JobStatus, error) {
	switch {
	case from == "" && ev == EventAdmit:
		return JobStatusQueued, nil
	case from == JobStatusQueued && ev == EventLeaseAcquired:
		return JobStatusClaimed, nil
	case from == JobStatusClaimed && ev == EventExtractionSucceeded:
		return JobStatusDone, nil
	case from == JobStatusClaimed && ev == EventExtractionFailed:
		return JobStatusError, nil
	}
	return from, fmt.Errorf("%w: %s on %q", ErrInvalidTransition, ev, from)
}

// MaxErrorMessageLen bounds the stored failure text, in runes.
const MaxErrorMessageLen = 2000

// TruncateErrorMessage clips msg to MaxErrorMessageLen runes.
func TruncateErrorMessage(msg string) string {
	runes := []rune(msg)
	if len(runes) <= MaxErrorMessageLen {
		return msg
	}
	return string(runes[:MaxErrorMessageLen])
}

// Job is one uploaded chart tracked from admission to resolution.
type Job struct {
	ID               string
	OwnerID          string
	ContentHash      string
	SourceRef        string
	OriginalFilename string
	MimeType         string
	Status           JobStatus
	ClaimedBy        string
	// ResultJSON is the stored payload document; nil until resolved.
	ResultJSON   []byte
	ErrorMessage string
	PanelCount   *int
	SeriesCount  *int
	CreatedAt    time.Time
	ClaimedAt    *time.Time
	ResolvedAt   *time.Time
}

// Resolved reports whether the job reached a terminal status.
func (j *Job) Resolved() bool {
	return j != nil && j.Status.Terminal()
}
