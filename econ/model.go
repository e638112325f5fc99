package econ

import (
	"encoding/json"
	"fmt"
	"math"
)

// Model is the resolution contract consumed by a game session. Resolve is a
// pure function of (previous state, ordered actions): no I/O, no shared
// mutable state, and the same inputs always produce the same output. The
// action order is chosen by the caller and is part of the contract because
// several transitions are order-sensitive (a GDP shock applied before or
// after new investment yields different results).
type Model interface {
	Initial() State
	Resolve(prev State, actions []Action) (State, error)
}

// Config tunes the baseline model. Zero values fall back to the historical
// defaults via NewBaseline.
type Config struct {
	InitialGDP          float64
	InitialUnemployment float64
	InitialGini         float64
	GDPGrowth           float64 // per-quarter multiplier, e.g. 1.02
	WageShare           float64 // share of GDP paid as wages
	UnemploymentDecay   float64 // absolute points recovered per quarter
	InvestGDPYield      float64 // GDP gained per unit of invested capital
}

func (c Config) validate() error {
	if c.InitialGDP <= 0 {
		return fmt.Errorf("InitialGDP must be > 0")
	}
	if c.InitialUnemployment < 0 || c.InitialUnemployment > 100 {
		return fmt.Errorf("InitialUnemployment must be within [0,100]")
	}
	if c.GDPGrowth <= 0 {
		return fmt.Errorf("GDPGrowth must be > 0")
	}
	if c.WageShare < 0 || c.WageShare > 1 {
		return fmt.Errorf("WageShare must be within [0,1]")
	}
	if c.UnemploymentDecay < 0 {
		return fmt.Errorf("UnemploymentDecay must be >= 0")
	}
	if c.InvestGDPYield < 0 {
		return fmt.Errorf("InvestGDPYield must be >= 0")
	}
	return nil
}

// Baseline is the reference model: compounding GDP growth, purchasing power
// derived from the wage/profit split, a slowly recovering labor market, and
// a capital-distribution pass that assigns ownership defaults to new
// companies exactly once.
type Baseline struct {
	cfg Config
}

const defaultOwnership = "sole_prop"

// NewBaseline builds a baseline model with the default calibration.
func NewBaseline() *Baseline {
	m, err := NewBaselineWithConfig(Config{
		InitialGDP:          1000,
		InitialUnemployment: 5,
		InitialGini:         0.485,
		GDPGrowth:           1.02,
		WageShare:           0.6,
		UnemploymentDecay:   0.1,
		InvestGDPYield:      0.5,
	})
	if err != nil {
		panic(err) // defaults are static and always valid
	}
	return m
}

// NewBaselineWithConfig builds a baseline model with explicit calibration.
func NewBaselineWithConfig(cfg Config) (*Baseline, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Baseline{cfg: cfg}, nil
}

func (m *Baseline) Initial() State {
	return State{
		Quarter: 1,
		Economy: Economy{
			GDP:             m.cfg.InitialGDP,
			Unemployment:    m.cfg.InitialUnemployment,
			PurchasingPower: m.cfg.InitialGDP,
			Gini:            m.cfg.InitialGini,
		},
		Companies: []Company{},
	}
}

// Resolve applies the ordered actions, then the systemic passes, and
// advances the quarter counter by exactly one.
func (m *Baseline) Resolve(prev State, actions []Action) (State, error) {
	next := prev.Clone()

	for _, a := range actions {
		if err := m.applyAction(&next, a); err != nil {
			return State{}, err
		}
	}

	m.applyInterdependentGrowth(&next)
	m.applyPurchasingPower(&next)
	m.applyLaborPipeline(&next)
	m.applyCapitalDistribution(&next)

	next.Quarter = prev.Quarter + 1
	return next, nil
}

func (m *Baseline) applyAction(s *State, a Action) error {
	switch a.Kind {
	case KindPlayer:
		return m.applyPlayerAction(s, a)
	case KindGM:
		return m.applyGMCommand(s, a)
	default:
		return reject(a.SubmitterID, "unknown action kind %q", a.Kind)
	}
}

func (m *Baseline) applyPlayerAction(s *State, a Action) error {
	var dec playerDecision
	if err := json.Unmarshal(a.Payload, &dec); err != nil {
		return reject(a.SubmitterID, "malformed payload: %v", err)
	}
	if dec.Invest < 0 {
		return reject(a.SubmitterID, "invest must be >= 0, got %v", dec.Invest)
	}
	if dec.Hire < 0 {
		return reject(a.SubmitterID, "hire must be >= 0, got %d", dec.Hire)
	}

	c := s.companyByOwner(a.SubmitterID)
	if c == nil {
		s.Companies = append(s.Companies, Company{
			ID:      "co_" + a.SubmitterID,
			OwnerID: a.SubmitterID,
			Name:    a.SubmitterID + " ventures",
		})
		c = &s.Companies[len(s.Companies)-1]
	}

	c.Capital += dec.Invest
	c.Employees += dec.Hire
	s.Economy.GDP += dec.Invest * m.cfg.InvestGDPYield
	return nil
}

func (m *Baseline) applyGMCommand(s *State, a Action) error {
	var cmd gmCommand
	if err := json.Unmarshal(a.Payload, &cmd); err != nil {
		return reject(a.SubmitterID, "malformed command: %v", err)
	}
	mag := cmd.Magnitude
	if mag < 0 || mag > 1 {
		return reject(a.SubmitterID, "magnitude must be within [0,1], got %v", mag)
	}

	switch cmd.Command {
	case "crash":
		if mag == 0 {
			mag = 0.1
		}
		s.Economy.GDP *= 1 - mag
		s.Economy.Unemployment += 10 * mag
	case "stimulus":
		if mag == 0 {
			mag = 0.05
		}
		s.Economy.GDP *= 1 + mag
		s.Economy.Unemployment = math.Max(0, s.Economy.Unemployment-5*mag)
	case "automation_surge":
		if mag == 0 {
			mag = 0.3
		}
		s.Economy.Unemployment += 10 * mag
		s.Economy.Gini += giniAdjustment(mag)
	default:
		return reject(a.SubmitterID, "unknown command %q", cmd.Command)
	}
	return nil
}

func (m *Baseline) applyInterdependentGrowth(s *State) {
	s.Economy.GDP *= m.cfg.GDPGrowth
}

func (m *Baseline) applyPurchasingPower(s *State) {
	wages := m.cfg.WageShare * s.Economy.GDP
	profits := (1 - m.cfg.WageShare) * s.Economy.GDP
	s.Economy.PurchasingPower = wages + profits
}

func (m *Baseline) applyLaborPipeline(s *State) {
	s.Economy.Unemployment = math.Max(0, s.Economy.Unemployment-m.cfg.UnemploymentDecay)
}

// applyCapitalDistribution assigns the ownership default to companies that
// have none yet. Runs after investments, so a company founded this quarter
// still picks up its default in the same resolution.
func (m *Baseline) applyCapitalDistribution(s *State) {
	for i := range s.Companies {
		if s.Companies[i].Ownership == "" {
			s.Companies[i].Ownership = defaultOwnership
		}
	}
}

// giniAdjustment maps the automated share of GDP to an inequality delta.
func giniAdjustment(automatedShare float64) float64 {
	return 0.01 * math.Pow(automatedShare, 1.5)
}
