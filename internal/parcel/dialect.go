package parcel

import (
	_ "embed"
	"slices"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

// Canonical field names.
const (
	FieldCountyCode       = "county_code"
	FieldParcelID         = "parcel_id"
	FieldOwnerName        = "owner_name"
	FieldOwnerAddr1       = "owner_addr1"
	FieldOwnerAddr2       = "owner_addr2"
	FieldOwnerCity        = "owner_city"
	FieldOwnerState       = "owner_state"
	FieldOwnerZip         = "owner_zip"
	FieldSiteAddr1        = "site_addr1"
	FieldSiteCity         = "site_city"
	FieldSiteZip          = "site_zip"
	FieldMarketValue      = "market_value"
	FieldLandValue        = "land_value"
	FieldImprovementValue = "improvement_value"
	FieldYearBuilt        = "year_built"
	FieldLivingArea       = "living_area"
	FieldUnitCount        = "unit_count"
	FieldLegalDescription = "legal_description"
)

// DefaultDialect is used when a source does not declare one.
const DefaultDialect = "dor"

//go:embed dialects.yaml
var dialectsYAML []byte

// Dialect maps one family of source schemas onto canonical fields.
type Dialect struct {
	Name        string              `yaml:"-"`
	Description string              `yaml:"description"`
	SRID        int                 `yaml:"srid"`
	Fields      map[string][]string `yaml:"fields"`
}

var (
	dialectsOnce sync.Once
	dialects     map[string]*Dialect
	dialectsErr  error
)

// LookupDialect returns the named dialect from the embedded table.
func LookupDialect(name string) (*Dialect, error) {
	if err := loadDialects(); err != nil {
		return nil, err
	}
	if name == "" {
		name = DefaultDialect
	}
	d, ok := dialects[cases.Fold().String(name)]
	if !ok {
		return nil, eris.Errorf("parcel: unknown dialect %q (known: %v)", name, DialectNames())
	}
	return d, nil
}

// DialectNames lists the known dialects.
func DialectNames() []string {
	if loadDialects() != nil {
		return nil
	}
	names := make([]string, 0, len(dialects))
	for n := range dialects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func loadDialects() error {
	dialectsOnce.Do(func() {
		dialects, dialectsErr = parseDialects(dialectsYAML)
	})
	return dialectsErr
}

func parseDialects(data []byte) (map[string]*Dialect, error) {
	var doc struct {
		Dialects map[string]*Dialect `yaml:"dialects"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "parcel: parse dialects")
	}

	fold := cases.Fold()
	out := make(map[string]*Dialect, len(doc.Dialects))
	for name, d := range doc.Dialects {
		if len(d.Fields[FieldParcelID]) == 0 {
			return nil, eris.Errorf("parcel: dialect %s has no parcel_id alias", name)
		}
		for field, aliases := range d.Fields {
			folded := make([]string, len(aliases))
			for i, a := range aliases {
				folded[i] = fold.String(a)
			}
			d.Fields[field] = slices.Compact(folded)
		}
		d.Name = name
		out[fold.String(name)] = d
	}
	return out, nil
}
