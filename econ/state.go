package econ

// Economy aggregates the macro indicators tracked per quarter.
type Economy struct {
	GDP             float64 `json:"gdp"`
	Unemployment    float64 `json:"unemployment"`
	PurchasingPower float64 `json:"purchasingPower"`
	Gini            float64 `json:"gini"`
}

// Company is one participant-controlled entity inside the simulation.
type Company struct {
	ID        string  `json:"id"`
	OwnerID   string  `json:"ownerId"`
	Name      string  `json:"name"`
	Sector    string  `json:"sector"`
	Ownership string  `json:"ownership"`
	Capital   float64 `json:"capital"`
	Employees int     `json:"employees"`
}

// State is one value snapshot of the simulation. Sessions never mutate a
// State in place; Resolve consumes one and produces the next.
type State struct {
	Quarter   int       `json:"quarter"`
	Economy   Economy   `json:"economy"`
	Companies []Company `json:"companies"`
}

// Clone returns a structural copy. Companies are plain value types, so
// copying the slice is sufficient for full isolation.
func (s State) Clone() State {
	out := s
	out.Companies = append([]Company(nil), s.Companies...)
	return out
}

func (s *State) companyByOwner(ownerID string) *Company {
	for i := range s.Companies {
		if s.Companies[i].OwnerID == ownerID {
			return &s.Companies[i]
		}
	}
	return nil
}
