package domain

// TaskGroup aggregates every attempt sharing (job_id, task_id) and
// derives group-level status.
//
// Failed and succeeded are mutually exclusive; flakiness is not.
type TaskGroup struct {
	Tasks []TaskRecord

	IsFailed    bool
	IsFlaky     bool
	IsSucceeded bool
	IsFinished  bool
}

// NewTaskGroup computes the group predicates for a set of attempt rows.
func NewTaskGroup(tasks []TaskRecord) TaskGroup {
	g := TaskGroup{Tasks: tasks}

	allFailed := len(tasks) > 0
	anyFailed := false
	anySucceeded := false
	hasRetriesRemaining := true
	for _, t := range tasks {
		if t.Failed() {
			anyFailed = true
		} else {
			allFailed = false
		}
		if t.Succeeded() {
			anySucceeded = true
		}
		if t.Attempt == t.MaxRetries {
			hasRetriesRemaining = false
		}
	}

	if allFailed {
		if hasRetriesRemaining {
			g.IsFlaky = true
		} else {
			g.IsFailed = true
		}
	} else if anySucceeded {
		g.IsSucceeded = true
		if anyFailed {
			g.IsFlaky = true
		}
	}

	// A group is finished once it has a success or is out of retries.
	g.IsFinished = anySucceeded || (allFailed && !hasRetriesRemaining)
	return g
}

// GroupByTaskID buckets attempt rows into TaskGroups keyed by task_id.
func GroupByTaskID(tasks []TaskRecord) map[string]TaskGroup {
	byID := make(map[string][]TaskRecord)
	for _, t := range tasks {
		byID[t.TaskID] = append(byID[t.TaskID], t)
	}
	groups := make(map[string]TaskGroup, len(byID))
	for id, rows := range byID {
		groups[id] = NewTaskGroup(rows)
	}
	return groups
}
