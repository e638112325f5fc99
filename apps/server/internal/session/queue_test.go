package session

import (
	"encoding/json"
	"testing"

	"ecosim/econ"
)

func queuedAction(id string, kind econ.Kind, payload string) econ.Action {
	return econ.Action{SubmitterID: id, Kind: kind, Payload: json.RawMessage(payload)}
}

func TestQueueUpsertKeepsPosition(t *testing.T) {
	q := newActionQueue()
	q.Upsert(queuedAction("a", econ.KindPlayer, `{"invest":1}`))
	q.Upsert(queuedAction("b", econ.KindPlayer, `{"invest":2}`))
	q.Upsert(queuedAction("a", econ.KindPlayer, `{"invest":9}`))

	if q.Len() != 2 {
		t.Fatalf("len = %d, want 2", q.Len())
	}
	batch := q.Drain()
	if batch[0].SubmitterID != "a" || batch[1].SubmitterID != "b" {
		t.Fatalf("order = %s,%s, want a,b", batch[0].SubmitterID, batch[1].SubmitterID)
	}
	if string(batch[0].Payload) != `{"invest":9}` {
		t.Fatalf("payload = %s, want replacement", batch[0].Payload)
	}
}

func TestQueueDrainOrdersGMFirst(t *testing.T) {
	q := newActionQueue()
	q.Upsert(queuedAction("p1", econ.KindPlayer, `{}`))
	q.Upsert(queuedAction("gm", econ.KindGM, `{}`))
	q.Upsert(queuedAction("p2", econ.KindPlayer, `{}`))

	batch := q.Drain()
	want := []string{"gm", "p1", "p2"}
	for i, id := range want {
		if batch[i].SubmitterID != id {
			t.Fatalf("batch[%d] = %s, want %s", i, batch[i].SubmitterID, id)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue not emptied, len = %d", q.Len())
	}
}

func TestQueueHasAndSubmitters(t *testing.T) {
	q := newActionQueue()
	if q.Has("a") {
		t.Fatalf("empty queue reports a")
	}
	q.Upsert(queuedAction("a", econ.KindPlayer, `{}`))
	q.Upsert(queuedAction("b", econ.KindPlayer, `{}`))
	if !q.Has("a") || !q.Has("b") || q.Has("c") {
		t.Fatalf("Has wrong: a=%v b=%v c=%v", q.Has("a"), q.Has("b"), q.Has("c"))
	}
	subs := q.Submitters()
	if len(subs) != 2 || subs[0] != "a" || subs[1] != "b" {
		t.Fatalf("submitters = %v", subs)
	}
}
