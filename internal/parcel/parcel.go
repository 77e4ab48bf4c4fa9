// Package parcel defines the canonical parcel record and turns county GIS
// extracts (GeoJSON, shapefile, CSV, XLSX) into normalized parcels.
package parcel

import (
	"slices"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"

	"github.com/sells-group/parcel-cli/internal/geometry"
)

// QA flags recorded on a parcel.
const (
	FlagGeometryMissing    = "geometry_missing"
	FlagSelfIntersection   = "self_intersection"
	FlagIntersectUnchecked = "self_intersection_unchecked"
	FlagInvalidValuation   = "invalid_valuation"
	FlagInvalidYearBuilt   = "invalid_year_built"
)

// Address is a mailing or site address. Empty fields are absent.
type Address struct {
	Line1 string `json:"line1,omitempty"`
	Line2 string `json:"line2,omitempty"`
	City  string `json:"city,omitempty"`
	State string `json:"state,omitempty"`
	Zip   string `json:"zip,omitempty"`
}

// Parcel is one land parcel keyed by (CountyCode, ParcelID).
type Parcel struct {
	CountyCode int    `json:"county_code" validate:"min=1,max=67"`
	ParcelID   string `json:"parcel_id" validate:"required,max=64"`
	CountyFIPS string `json:"county_fips" validate:"len=5,numeric"`

	OwnerName    string  `json:"owner_name,omitempty"`
	OwnerAddress Address `json:"owner_address"`
	SiteAddress  Address `json:"site_address"`

	MarketValue      *float64 `json:"market_value,omitempty" validate:"omitempty,gte=0"`
	LandValue        *float64 `json:"land_value,omitempty" validate:"omitempty,gte=0"`
	ImprovementValue *float64 `json:"improvement_value,omitempty" validate:"omitempty,gte=0"`

	YearBuilt  *int     `json:"year_built,omitempty" validate:"omitempty,gte=1600"`
	LivingArea *float64 `json:"living_area,omitempty" validate:"omitempty,gte=0"`
	UnitCount  *int     `json:"unit_count,omitempty" validate:"omitempty,gte=0"`

	LegalDescription string `json:"legal_description,omitempty"`

	Geometry *geometry.Geometry `json:"-"`
	QAFlags  []string           `json:"qa_flags,omitempty"`

	// SourceIndex is the zero-based position of the feature in its source.
	SourceIndex int `json:"-"`
}

// Key identifies a parcel.
type Key struct {
	CountyCode int
	ParcelID   string
}

// Key returns the natural key.
func (p *Parcel) Key() Key { return Key{CountyCode: p.CountyCode, ParcelID: p.ParcelID} }

// AddFlag records a QA flag once.
func (p *Parcel) AddFlag(flag string) {
	if !slices.Contains(p.QAFlags, flag) {
		p.QAFlags = append(p.QAFlags, flag)
	}
}

// HasFlag reports whether flag is set.
func (p *Parcel) HasFlag(flag string) bool { return slices.Contains(p.QAFlags, flag) }

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validate checks the parcel invariants.
func (p *Parcel) Validate() error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	if err := validate.Struct(p); err != nil {
		return eris.Wrapf(err, "parcel: %d/%s", p.CountyCode, p.ParcelID)
	}
	return nil
}
