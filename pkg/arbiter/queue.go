package arbiter

// queue is a strict FIFO of pending Jobs. Admission is always attempted
// from the head; there is no reordering operation on purpose, so that the
// Job.Priority field (carried through the wire format for forward
// compatibility, per spec.md §9) cannot accidentally influence ordering
// until an actual priority policy is specified.
type queue struct {
	jobs []Job
}

func (q *queue) enqueue(j Job) {
	q.jobs = append(q.jobs, j)
}

func (q *queue) front() (Job, bool) {
	if len(q.jobs) == 0 {
		return Job{}, false
	}

	return q.jobs[0], true
}

func (q *queue) popFront() {
	if len(q.jobs) == 0 {
		return
	}

	q.jobs = q.jobs[1:]
}

// removeByPID drops every queued Job belonging to pid (a client
// disconnected or was deleted) and reports how many were removed.
func (q *queue) removeByPID(pid int32) int {
	kept := q.jobs[:0]
	removed := 0

	for _, j := range q.jobs {
		if j.PID == pid {
			removed++
			continue
		}

		kept = append(kept, j)
	}

	q.jobs = kept

	return removed
}

func (q *queue) snapshot() []Job {
	out := make([]Job, len(q.jobs))
	copy(out, q.jobs)

	return out
}

func (q *queue) len() int { return len(q.jobs) }
