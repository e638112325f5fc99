package narrative

import (
	"context"
	"fmt"
	"strings"

	"ecosim/apps/server/internal/session"
	"ecosim/econ"
)

// Request describes one resolved quarter to narrate.
type Request struct {
	GameID   string
	Quarter  int
	Previous econ.State
	State    econ.State
}

// Result is the generated narrative for one quarter.
type Result struct {
	News          string
	Opportunities []session.CompanyOpportunity
}

// Generator produces narrative for a resolved quarter. Implementations must
// treat the request as read-only and respect the context deadline.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// Static produces templated narrative from the numeric deltas. It is the
// offline backend and the fallback when a remote generator is down.
type Static struct{}

func NewStatic() *Static { return &Static{} }

func (g *Static) Generate(_ context.Context, req Request) (Result, error) {
	prev := req.Previous.Economy
	cur := req.State.Economy

	var lines []string
	switch {
	case prev.GDP == 0:
		lines = append(lines, fmt.Sprintf("The economy opens the quarter at %.0f GDP.", cur.GDP))
	case cur.GDP >= prev.GDP*1.05:
		lines = append(lines, fmt.Sprintf("Markets surge: GDP jumps from %.0f to %.0f.", prev.GDP, cur.GDP))
	case cur.GDP < prev.GDP:
		lines = append(lines, fmt.Sprintf("A downturn bites: GDP slips from %.0f to %.0f.", prev.GDP, cur.GDP))
	default:
		lines = append(lines, fmt.Sprintf("Steady growth carries GDP from %.0f to %.0f.", prev.GDP, cur.GDP))
	}

	switch {
	case cur.Unemployment > prev.Unemployment+1:
		lines = append(lines, fmt.Sprintf("Layoffs push unemployment to %.1f%%.", cur.Unemployment))
	case cur.Unemployment < prev.Unemployment:
		lines = append(lines, fmt.Sprintf("Hiring picks up; unemployment eases to %.1f%%.", cur.Unemployment))
	}

	if cur.Gini > prev.Gini {
		lines = append(lines, "Analysts warn the gains are not evenly shared.")
	}

	founded := newCompanies(req.Previous, req.State)
	for _, c := range founded {
		lines = append(lines, fmt.Sprintf("%s opens its doors this quarter.", companyLabel(c)))
	}

	result := Result{News: strings.Join(lines, " ")}
	for _, c := range req.State.Companies {
		result.Opportunities = append(result.Opportunities, session.CompanyOpportunity{
			CompanyID:   c.ID,
			Title:       "Expand operations",
			Description: fmt.Sprintf("Demand conditions favor %s growing headcount next quarter.", companyLabel(c)),
		})
	}
	return result, nil
}

func newCompanies(prev, cur econ.State) []econ.Company {
	seen := make(map[string]bool, len(prev.Companies))
	for _, c := range prev.Companies {
		seen[c.ID] = true
	}
	var out []econ.Company
	for _, c := range cur.Companies {
		if !seen[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

func companyLabel(c econ.Company) string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}
