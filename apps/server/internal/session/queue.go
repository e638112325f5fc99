package session

import "ecosim/econ"

// actionQueue accumulates the current quarter's submissions. Keyed by
// submitter: re-submission replaces the previous entry but keeps the
// original position, so submission order stays stable under retries.
type actionQueue struct {
	order []string
	byID  map[string]econ.Action
}

func newActionQueue() *actionQueue {
	return &actionQueue{byID: make(map[string]econ.Action)}
}

func (q *actionQueue) Upsert(a econ.Action) {
	if _, exists := q.byID[a.SubmitterID]; !exists {
		q.order = append(q.order, a.SubmitterID)
	}
	q.byID[a.SubmitterID] = a
}

func (q *actionQueue) Has(submitterID string) bool {
	_, ok := q.byID[submitterID]
	return ok
}

func (q *actionQueue) Len() int {
	return len(q.order)
}

// Submitters returns the distinct submitter ids in submission order.
func (q *actionQueue) Submitters() []string {
	return append([]string(nil), q.order...)
}

// Drain empties the queue and returns the actions in resolution order:
// GM actions first, then player actions, each group in submission order.
// This ordering is a documented contract of quarter resolution, not an
// implementation detail — the model's outcome is order-sensitive.
func (q *actionQueue) Drain() []econ.Action {
	out := make([]econ.Action, 0, len(q.order))
	for _, id := range q.order {
		if a := q.byID[id]; a.Kind == econ.KindGM {
			out = append(out, a)
		}
	}
	for _, id := range q.order {
		if a := q.byID[id]; a.Kind != econ.KindGM {
			out = append(out, a)
		}
	}
	q.order = q.order[:0]
	q.byID = make(map[string]econ.Action)
	return out
}
