package store

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"redline/internal/decision"
)

type seedFile struct {
	Contracts []seedContract `yaml:"contracts"`
}

type seedContract struct {
	ID      string       `yaml:"id"`
	Title   string       `yaml:"title"`
	Clauses []seedClause `yaml:"clauses"`
}

type seedClause struct {
	ID       string        `yaml:"id"`
	Title    string        `yaml:"title"`
	Text     string        `yaml:"text"`
	Findings []seedFinding `yaml:"findings"`
}

type seedFinding struct {
	ID               string `yaml:"id"`
	RiskLevel        string `yaml:"risk_level"`
	Excerpt          string `yaml:"excerpt"`
	FallbackText     string `yaml:"fallback_text"`
	MatchedRuleTitle string `yaml:"matched_rule_title"`
}

// LoadSeed reads analysis results from a YAML seed file. Clause text is
// taken verbatim, so no environment expansion is applied.
func LoadSeed(path string) ([]Analysis, error) {
	// #nosec G304 -- path is operator-provided seed path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return ParseSeed(strings.ReplaceAll(string(raw), "\r\n", "\n"))
}

func ParseSeed(raw string) ([]Analysis, error) {
	var file seedFile
	if err := yaml.Unmarshal([]byte(raw), &file); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}

	analyses := make([]Analysis, 0, len(file.Contracts))
	for _, c := range file.Contracts {
		if c.ID == "" {
			return nil, fmt.Errorf("seed contract %q: id is required", c.Title)
		}
		analysis := Analysis{Contract: Contract{ID: c.ID, Title: c.Title}}
		for i, cl := range c.Clauses {
			if cl.ID == "" {
				return nil, fmt.Errorf("seed contract %s clause %d: id is required", c.ID, i)
			}
			analysis.Clauses = append(analysis.Clauses, Clause{
				ID:           cl.ID,
				ContractID:   c.ID,
				Position:     i,
				Title:        cl.Title,
				OriginalText: cl.Text,
			})
			for _, f := range cl.Findings {
				risk := decision.RiskLevel(strings.ToUpper(f.RiskLevel))
				if !risk.Valid() {
					return nil, fmt.Errorf("seed finding %s: unknown risk level %q", f.ID, f.RiskLevel)
				}
				if f.ID == "" || f.Excerpt == "" {
					return nil, fmt.Errorf("seed clause %s: finding id and excerpt are required", cl.ID)
				}
				analysis.Findings = append(analysis.Findings, decision.Finding{
					ID:               f.ID,
					ClauseID:         cl.ID,
					RiskLevel:        risk,
					Excerpt:          f.Excerpt,
					FallbackText:     f.FallbackText,
					MatchedRuleTitle: f.MatchedRuleTitle,
				})
			}
		}
		analyses = append(analyses, analysis)
	}
	return analyses, nil
}
