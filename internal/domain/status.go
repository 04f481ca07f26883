package domain

import "fmt"

// JobStatus represents the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusQueued      JobStatus = "queued"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
	JobStatusCancelled   JobStatus = "cancelled"
)

var allowedTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusDownloading: true,
		JobStatusCancelled:   true,
	},
	JobStatusDownloading: {
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusCancelled: true,
	},
	JobStatusCompleted: {},
	JobStatusFailed:    {},
	JobStatusCancelled: {},
}

// IsTerminal reports whether no further transition can leave the status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IsKnown reports whether s is one of the declared statuses.
func (s JobStatus) IsKnown() bool {
	_, ok := allowedTransitions[s]
	return ok
}

func (s JobStatus) String() string {
	return string(s)
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Transition moves job to the given status, recording reason for failures.
func Transition(job *Job, to JobStatus, reason string) error {
	from := job.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid job status transition: %q -> %q (job_id=%s)", from, to, job.ID)
	}
	job.Status = to
	job.Reason = reason
	return nil
}
