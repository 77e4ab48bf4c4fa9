package parcel

import (
	_ "embed"
	"strconv"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/parcel-cli/internal/resilience"
)

// Valid county code range.
const (
	MinCountyCode = 1
	MaxCountyCode = 67
)

//go:embed counties.yaml
var countiesYAML []byte

// County is one entry of the county reference table. Name is empty when no
// Florida county holds the FIPS number; Note then says why.
type County struct {
	Code int    `yaml:"code"`
	FIPS string `yaml:"fips"`
	Name string `yaml:"name"`
	Note string `yaml:"note"`
}

// Named reports whether the code belongs to a Florida county.
func (c County) Named() bool { return c.Name != "" }

// Label returns "Charlotte (15)" or "county 2 (unassigned FIPS)" for codes
// with no county.
func (c County) Label() string {
	if c.Name == "" {
		return "county " + strconv.Itoa(c.Code) + " (unassigned FIPS)"
	}
	return c.Name + " (" + strconv.Itoa(c.Code) + ")"
}

// Counties is the immutable county reference table, indexed by code.
type Counties struct {
	byCode [MaxCountyCode + 1]County
	byName map[string]County
}

var (
	countiesOnce sync.Once
	countiesTbl  *Counties
	countiesErr  error
)

// LoadCounties parses the embedded county table once and returns the shared
// read-only instance.
func LoadCounties() (*Counties, error) {
	countiesOnce.Do(func() {
		countiesTbl, countiesErr = parseCounties(countiesYAML)
	})
	return countiesTbl, countiesErr
}

// MustCounties is LoadCounties for callers that cannot continue without it.
func MustCounties() *Counties {
	c, err := LoadCounties()
	if err != nil {
		panic(err)
	}
	return c
}

func parseCounties(data []byte) (*Counties, error) {
	var doc struct {
		Counties []County `yaml:"counties"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "parcel: parse county table")
	}

	t := &Counties{byName: make(map[string]County)}
	seen := 0
	for _, c := range doc.Counties {
		if c.Code < MinCountyCode || c.Code > MaxCountyCode {
			return nil, eris.Errorf("parcel: county table: code %d out of range", c.Code)
		}
		if len(c.FIPS) != 5 {
			return nil, eris.Errorf("parcel: county table: code %d has malformed fips %q", c.Code, c.FIPS)
		}
		if t.byCode[c.Code].Code != 0 {
			return nil, eris.Errorf("parcel: county table: duplicate code %d", c.Code)
		}
		switch {
		case c.Code%2 == 0 && c.Name != "":
			return nil, eris.Errorf("parcel: county table: code %d is not a Florida county number but is named %q", c.Code, c.Name)
		case c.Code%2 == 1 && c.Name == "" && c.Note == "":
			return nil, eris.Errorf("parcel: county table: code %d needs a name or a note", c.Code)
		case c.Name == "" && c.Note == "":
			c.Note = "FIPS " + c.FIPS + " is not assigned to a Florida county"
		}
		t.byCode[c.Code] = c
		seen++
		if c.Name != "" {
			t.byName[nameKey(c.Name)] = c
		}
	}
	if seen != MaxCountyCode {
		return nil, eris.Errorf("parcel: county table has %d entries, want %d", seen, MaxCountyCode)
	}
	return t, nil
}

// Lookup returns the county for code. Codes outside [1,67] are a
// ValidationError.
func (t *Counties) Lookup(code int) (County, error) {
	if code < MinCountyCode || code > MaxCountyCode {
		return County{}, &resilience.ValidationError{
			Field:  "county_code",
			Value:  strconv.Itoa(code),
			Reason: "must be between 1 and 67",
		}
	}
	return t.byCode[code], nil
}

// FIPS derives the 5-digit county FIPS code for code.
func (t *Counties) FIPS(code int) (string, error) {
	c, err := t.Lookup(code)
	if err != nil {
		return "", err
	}
	return c.FIPS, nil
}

// Resolve accepts a county code ("15"), a FIPS code ("12015") or a county
// name ("Charlotte", "charlotte county", "Indian River").
func (t *Counties) Resolve(s string) (County, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return County{}, eris.New("parcel: empty county")
	}
	if n, err := strconv.Atoi(s); err == nil {
		if len(s) == 5 && strings.HasPrefix(s, "12") {
			n -= 12000
		}
		return t.Lookup(n)
	}
	if c, ok := t.byName[nameKey(s)]; ok {
		return c, nil
	}
	return County{}, eris.Errorf("parcel: unknown county %q", s)
}

// All returns every county in code order.
func (t *Counties) All() []County {
	out := make([]County, 0, MaxCountyCode)
	for code := MinCountyCode; code <= MaxCountyCode; code++ {
		out = append(out, t.byCode[code])
	}
	return out
}

// nameKey folds case, drops a "County" suffix and strips punctuation so
// "St. Johns", "ST JOHNS" and "st johns county" match.
func nameKey(name string) string {
	k := cases.Fold().String(strings.TrimSpace(name))
	k = strings.TrimSuffix(k, " county")
	k = strings.NewReplacer(".", "", "-", "", " ", "").Replace(k)
	return k
}
