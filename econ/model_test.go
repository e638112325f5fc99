package econ

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"
)

func playerAction(id string, payload string) Action {
	return Action{
		SubmitterID: id,
		Kind:        KindPlayer,
		Payload:     json.RawMessage(payload),
		ReceivedAt:  time.Unix(0, 0),
	}
}

func gmAction(id string, payload string) Action {
	a := playerAction(id, payload)
	a.Kind = KindGM
	return a
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestResolveAdvancesQuarterAndMetrics(t *testing.T) {
	m := NewBaseline()
	prev := m.Initial()

	next, err := m.Resolve(prev, nil)
	if err != nil {
		t.Fatalf("Resolve err: %v", err)
	}
	if next.Quarter != prev.Quarter+1 {
		t.Fatalf("quarter = %d, want %d", next.Quarter, prev.Quarter+1)
	}
	if !approx(next.Economy.GDP, 1000*1.02) {
		t.Fatalf("gdp = %v, want %v", next.Economy.GDP, 1000*1.02)
	}
	if !approx(next.Economy.PurchasingPower, next.Economy.GDP) {
		t.Fatalf("purchasing power = %v, want %v", next.Economy.PurchasingPower, next.Economy.GDP)
	}
	if !approx(next.Economy.Unemployment, 4.9) {
		t.Fatalf("unemployment = %v, want 4.9", next.Economy.Unemployment)
	}
}

func TestResolveDoesNotMutateInput(t *testing.T) {
	m := NewBaseline()
	prev := m.Initial()
	prev.Companies = append(prev.Companies, Company{ID: "co_a", OwnerID: "a"})
	saved := prev.Clone()

	if _, err := m.Resolve(prev, []Action{playerAction("a", `{"invest": 50}`)}); err != nil {
		t.Fatalf("Resolve err: %v", err)
	}
	if !reflect.DeepEqual(prev, saved) {
		t.Fatalf("Resolve mutated its input: %+v != %+v", prev, saved)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	m := NewBaseline()
	prev := m.Initial()
	actions := []Action{
		gmAction("gm", `{"command": "stimulus", "magnitude": 0.1}`),
		playerAction("a", `{"invest": 10, "hire": 2}`),
		playerAction("b", `{"invest": 20}`),
	}

	first, err := m.Resolve(prev, actions)
	if err != nil {
		t.Fatalf("first Resolve err: %v", err)
	}
	second, err := m.Resolve(prev, actions)
	if err != nil {
		t.Fatalf("second Resolve err: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("identical inputs produced different states:\n%+v\n%+v", first, second)
	}
}

func TestResolveOrderIsObservable(t *testing.T) {
	m := NewBaseline()
	prev := m.Initial()
	crash := gmAction("gm", `{"command": "crash", "magnitude": 0.2}`)
	invest := playerAction("a", `{"invest": 100}`)

	gmFirst, err := m.Resolve(prev, []Action{crash, invest})
	if err != nil {
		t.Fatalf("gm-first Resolve err: %v", err)
	}
	playerFirst, err := m.Resolve(prev, []Action{invest, crash})
	if err != nil {
		t.Fatalf("player-first Resolve err: %v", err)
	}
	if approx(gmFirst.Economy.GDP, playerFirst.Economy.GDP) {
		t.Fatalf("expected order-sensitive GDP, both = %v", gmFirst.Economy.GDP)
	}
}

func TestResolveFoundsCompanyAndAppliesInvestment(t *testing.T) {
	m := NewBaseline()
	next, err := m.Resolve(m.Initial(), []Action{playerAction("alice", `{"invest": 40, "hire": 3}`)})
	if err != nil {
		t.Fatalf("Resolve err: %v", err)
	}
	if len(next.Companies) != 1 {
		t.Fatalf("companies = %d, want 1", len(next.Companies))
	}
	c := next.Companies[0]
	if c.OwnerID != "alice" || !approx(c.Capital, 40) || c.Employees != 3 {
		t.Fatalf("unexpected company: %+v", c)
	}
	if c.Ownership != "sole_prop" {
		t.Fatalf("ownership default = %q, want sole_prop", c.Ownership)
	}
}

func TestResolveKeepsExistingOwnership(t *testing.T) {
	m := NewBaseline()
	prev := m.Initial()
	prev.Companies = []Company{
		{ID: "co_a", OwnerID: "a"},
		{ID: "co_b", OwnerID: "b", Ownership: "coop"},
	}

	next, err := m.Resolve(prev, nil)
	if err != nil {
		t.Fatalf("Resolve err: %v", err)
	}
	if next.Companies[0].Ownership != "sole_prop" {
		t.Fatalf("missing default for company a: %+v", next.Companies[0])
	}
	if next.Companies[1].Ownership != "coop" {
		t.Fatalf("existing ownership overwritten: %+v", next.Companies[1])
	}
}

func TestResolveRejectsMalformedPayload(t *testing.T) {
	m := NewBaseline()
	cases := []struct {
		name   string
		action Action
	}{
		{"invalid json", playerAction("bob", `{invest:`)},
		{"negative invest", playerAction("bob", `{"invest": -5}`)},
		{"unknown command", gmAction("bob", `{"command": "meteor"}`)},
		{"magnitude out of range", gmAction("bob", `{"command": "crash", "magnitude": 2}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Resolve(m.Initial(), []Action{tc.action})
			var rej *RejectedError
			if !errors.As(err, &rej) {
				t.Fatalf("err = %v, want RejectedError", err)
			}
			if rej.SubmitterID != "bob" {
				t.Fatalf("rejected submitter = %q, want bob", rej.SubmitterID)
			}
		})
	}
}

func TestGMShockCommands(t *testing.T) {
	m := NewBaseline()
	prev := m.Initial()

	crashed, err := m.Resolve(prev, []Action{gmAction("gm", `{"command": "crash", "magnitude": 0.5}`)})
	if err != nil {
		t.Fatalf("crash Resolve err: %v", err)
	}
	if crashed.Economy.GDP >= prev.Economy.GDP {
		t.Fatalf("crash did not shrink GDP: %v -> %v", prev.Economy.GDP, crashed.Economy.GDP)
	}

	surged, err := m.Resolve(prev, []Action{gmAction("gm", `{"command": "automation_surge", "magnitude": 0.5}`)})
	if err != nil {
		t.Fatalf("automation Resolve err: %v", err)
	}
	if surged.Economy.Gini <= prev.Economy.Gini {
		t.Fatalf("automation surge did not raise gini: %v -> %v", prev.Economy.Gini, surged.Economy.Gini)
	}
	if surged.Economy.Unemployment <= prev.Economy.Unemployment {
		t.Fatalf("automation surge did not raise unemployment")
	}
}

func TestConfigValidation(t *testing.T) {
	_, err := NewBaselineWithConfig(Config{InitialGDP: -1, GDPGrowth: 1.02})
	if err == nil {
		t.Fatalf("expected validation error for negative InitialGDP")
	}
	_, err = NewBaselineWithConfig(Config{InitialGDP: 100, GDPGrowth: 0})
	if err == nil {
		t.Fatalf("expected validation error for zero GDPGrowth")
	}
}
