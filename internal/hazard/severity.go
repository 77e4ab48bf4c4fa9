package hazard

import (
	_ "embed"
	"strconv"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed severity.yaml
var severityYAML []byte

type severityRule struct {
	Field string         `yaml:"field"`
	Codes map[string]int `yaml:"codes"`
}

var (
	severityOnce  sync.Once
	severityRules map[Type]severityRule
	severityErr   error
)

func loadSeverityRules() (map[Type]severityRule, error) {
	severityOnce.Do(func() {
		severityRules, severityErr = parseSeverityRules(severityYAML)
	})
	return severityRules, severityErr
}

func parseSeverityRules(data []byte) (map[Type]severityRule, error) {
	raw := make(map[string]severityRule)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "hazard: parse severity.yaml")
	}
	out := make(map[Type]severityRule, len(raw))
	for name, rule := range raw {
		t, err := ParseType(name)
		if err != nil {
			return nil, err
		}
		codes := make(map[string]int, len(rule.Codes))
		for code, level := range rule.Codes {
			if level < 1 || level > 5 {
				return nil, eris.Errorf("hazard: %s code %q severity %d outside 1..5", name, code, level)
			}
			codes[strings.ToUpper(strings.TrimSpace(code))] = level
		}
		rule.Codes = codes
		out[t] = rule
	}
	return out, nil
}

// DefaultZoneField is the attribute holding the zone code for t.
func DefaultZoneField(t Type) string {
	rules, err := loadSeverityRules()
	if err != nil {
		return ""
	}
	return rules[t].Field
}

// SeverityForCode maps a zone code to a severity level. Numeric codes in
// 1..5 map to themselves when the type has no explicit entry.
func SeverityForCode(t Type, code string) (int, bool) {
	rules, err := loadSeverityRules()
	if err != nil {
		return 0, false
	}
	key := strings.ToUpper(strings.TrimSpace(code))
	if key == "" {
		return 0, false
	}
	if level, ok := rules[t].Codes[key]; ok {
		return level, true
	}
	return parseSeverity(key)
}

func parseSeverity(s string) (int, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f != float64(int(f)) || f < 1 || f > 5 {
		return 0, false
	}
	return int(f), true
}
