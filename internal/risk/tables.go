package risk

import (
	_ "embed"
	"math"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/parcel-cli/internal/hazard"
)

//go:embed tables.yaml
var tablesYAML []byte

// Category is the overall risk label.
type Category string

// Risk categories, lowest first.
const (
	CategoryMinimal  Category = "MINIMAL"
	CategoryLow      Category = "LOW"
	CategoryModerate Category = "MODERATE"
	CategoryHigh     Category = "HIGH"
	CategoryExtreme  Category = "EXTREME"
)

// Threshold is the lower overall-score bound of a category.
type Threshold struct {
	Name Category `yaml:"name"`
	Min  int      `yaml:"min"`
}

// WildfireDecay controls the distance falloff of wildfire scores.
type WildfireDecay struct {
	HalfDistanceM float64 `yaml:"half_distance_m"`
	MaxDistanceM  float64 `yaml:"max_distance_m"`
}

// Tables is the immutable reference data the engine scores with.
type Tables struct {
	WeightsVersion string                          `yaml:"weights_version"`
	Weights        map[hazard.Type]float64         `yaml:"weights"`
	SeverityScores map[hazard.Type]map[int]float64 `yaml:"severity_scores"`
	Wildfire       WildfireDecay                   `yaml:"wildfire"`
	Categories     []Threshold                     `yaml:"categories"`
}

var (
	tablesOnce sync.Once
	defaults   *Tables
	tablesErr  error
)

// DefaultTables returns the embedded tables, parsed and validated once.
func DefaultTables() (*Tables, error) {
	tablesOnce.Do(func() {
		defaults, tablesErr = ParseTables(tablesYAML)
	})
	return defaults, tablesErr
}

// ParseTables decodes and validates reference tables.
func ParseTables(data []byte) (*Tables, error) {
	var t Tables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrap(err, "risk: parse tables")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks that weights cover every hazard type and sum to 1, that
// severity scores lie in [0,100] and that categories ascend from 0.
func (t *Tables) Validate() error {
	if t.WeightsVersion == "" {
		return eris.New("risk: weights_version is required")
	}
	var sum float64
	for _, typ := range hazard.Types() {
		w, ok := t.Weights[typ]
		if !ok || w < 0 {
			return eris.Errorf("risk: missing or negative weight for %s", typ)
		}
		sum += w
		scores := t.SeverityScores[typ]
		for level := 1; level <= 5; level++ {
			s, ok := scores[level]
			if !ok || s < 0 || s > 100 {
				return eris.Errorf("risk: %s severity %d score missing or outside [0,100]", typ, level)
			}
		}
	}
	if math.Abs(sum-1) > 1e-9 {
		return eris.Errorf("risk: weights sum to %g, want 1", sum)
	}
	if t.Wildfire.HalfDistanceM <= 0 || t.Wildfire.MaxDistanceM <= 0 {
		return eris.New("risk: wildfire distances must be positive")
	}
	if len(t.Categories) == 0 || t.Categories[0].Min != 0 {
		return eris.New("risk: categories must start at 0")
	}
	for i := 1; i < len(t.Categories); i++ {
		if t.Categories[i].Min <= t.Categories[i-1].Min {
			return eris.New("risk: category thresholds must ascend")
		}
	}
	return nil
}

// Category returns the label for an overall score.
func (t *Tables) Category(overall int) Category {
	c := t.Categories[0].Name
	for _, th := range t.Categories {
		if overall >= th.Min {
			c = th.Name
		}
	}
	return c
}

// CategoryNames lists categories lowest first.
func (t *Tables) CategoryNames() []Category {
	out := make([]Category, len(t.Categories))
	for i, th := range t.Categories {
		out[i] = th.Name
	}
	return out
}
