package usecase

// JobOutcome is the structured result every scheduled job run produces,
// whatever branch it took. Panics and errors at the job boundary are
// converted into a failed outcome rather than propagated.
type JobOutcome struct {
	Job     string
	Success bool
	Action  string
	Detail  string
}

func outcome(job, action, detail string) *JobOutcome {
	return &JobOutcome{Job: job, Success: true, Action: action, Detail: detail}
}

func failedOutcome(job, detail string) *JobOutcome {
	return &JobOutcome{Job: job, Action: "error", Detail: detail}
}
