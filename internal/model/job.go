package model

import (
	"encoding/json"
	"fmt"
)

// JobStatus is the lifecycle state of a backend job.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobDone     JobStatus = "done"
	JobError    JobStatus = "error"
	JobNotFound JobStatus = "not_found"

	// JobTransientError is produced locally when a status poll fails. It is
	// not terminal: the next poll replaces it.
	JobTransientError JobStatus = "erro"
)

// IsTerminal reports whether no further updates can arrive for a job.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobDone, JobError, JobNotFound:
		return true
	default:
		return false
	}
}

// Job is the last known state of one asynchronous backend job.
type Job struct {
	ID       string    `json:"job_id,omitempty"`
	Status   JobStatus `json:"status"`
	Percent  int       `json:"percent"`
	Inserted int       `json:"inserted"`
	Message  string    `json:"message,omitempty"`
}

// IsTerminal reports whether the job reached a final state.
func (j Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// ParseJob decodes a status payload from the backend and rejects anything that
// does not look like a job status.
func ParseJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("decoding job status: %w", err)
	}

	switch j.Status {
	case JobPending, JobRunning, JobDone, JobError, JobNotFound:
	case JobTransientError:
		// Older backends report failed jobs as "erro".
		j.Status = JobError
	case "":
		return Job{}, fmt.Errorf("job status missing")
	default:
		return Job{}, fmt.Errorf("unknown job status %q", j.Status)
	}

	if j.Percent < 0 || j.Percent > 100 {
		return Job{}, fmt.Errorf("job percent out of range: %d", j.Percent)
	}
	return j, nil
}

// TransientJobError builds the status reported when a poll request fails.
func TransientJobError(jobID string, err error) Job {
	return Job{
		ID:      jobID,
		Status:  JobTransientError,
		Percent: 0,
		Message: err.Error(),
	}
}
