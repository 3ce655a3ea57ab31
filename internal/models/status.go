package models

// transitions lists every permitted outgoing edge per status.
// DONE and FAILED have none.
var transitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusFailed},
	JobStatusProcessing: {JobStatusStitching, JobStatusFailed},
	JobStatusStitching:  {JobStatusDone, JobStatusFailed},
}

// Valid reports whether s is one of the five job statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusStitching, JobStatusDone, JobStatusFailed:
		return true
	}
	return false
}

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether p names one of the two credit pools.
func (p CreditPool) Valid() bool {
	return p == CreditPoolPrimary || p == CreditPoolSecondary
}
