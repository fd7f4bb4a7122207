package wallet

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tier is the discrete quality bucket derived from a composite score.
type Tier string

const (
	TierElite  Tier = "ELITE"
	TierExpert Tier = "EXPERT"
	TierGood   Tier = "GOOD"
	TierPoor   Tier = "POOR"
)

// Tier thresholds on the 0-10 composite.
const (
	EliteThreshold  = 9.0
	ExpertThreshold = 7.0
	GoodThreshold   = 5.0
)

// TierForScore maps a composite score to its tier.
func TierForScore(score float64) Tier {
	switch {
	case score >= EliteThreshold:
		return TierElite
	case score >= ExpertThreshold:
		return TierExpert
	case score >= GoodThreshold:
		return TierGood
	default:
		return TierPoor
	}
}

// Severity orders red flags and behavior changes.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "NONE"
	}
}

// ParseSeverity is the inverse of String.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(s) {
	case "NONE", "":
		return SeverityNone, nil
	case "LOW":
		return SeverityLow, nil
	case "MEDIUM":
		return SeverityMedium, nil
	case "HIGH":
		return SeverityHigh, nil
	case "CRITICAL":
		return SeverityCritical, nil
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
