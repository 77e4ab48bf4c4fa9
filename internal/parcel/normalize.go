package parcel

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/sells-group/parcel-cli/internal/geometry"
	"github.com/sells-group/parcel-cli/internal/resilience"
)

const maxParcelIDLen = 64

// Normalizer maps raw source features onto canonical parcels. It is not safe
// for concurrent use.
type Normalizer struct {
	dialect  *Dialect
	counties *Counties
	county   int // run county; 0 means take it from each record
	srid     int
	fold     cases.Caser
	now      func() time.Time
	log      *zap.Logger
}

// NewNormalizer builds a Normalizer. runCounty pins every record to one
// county (0 disables the check); srid 0 uses the dialect's default.
func NewNormalizer(d *Dialect, counties *Counties, runCounty, srid int) *Normalizer {
	if srid == 0 {
		srid = d.SRID
	}
	if srid == 0 {
		srid = geometry.SRID
	}
	return &Normalizer{
		dialect:  d,
		counties: counties,
		county:   runCounty,
		srid:     srid,
		fold:     cases.Fold(),
		now:      time.Now,
		log: zap.L().With(
			zap.String("component", "parcel.normalize"),
			zap.String("dialect", d.Name),
		),
	}
}

// Normalize converts one feature. A *resilience.ValidationError means the
// record must be skipped; geometry problems never fail the record.
func (n *Normalizer) Normalize(f Feature) (Parcel, error) {
	return n.normalize(f, true)
}

// normalize converts f, skipping geometry when withGeometry is false. The
// accept or reject decision does not depend on geometry.
func (n *Normalizer) normalize(f Feature, withGeometry bool) (Parcel, error) {
	props := make(map[string]string, len(f.Properties))
	for k, v := range f.Properties {
		props[n.fold.String(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	get := func(field string) string {
		for _, alias := range n.dialect.Fields[field] {
			if v := props[alias]; v != "" {
				return v
			}
		}
		return ""
	}

	p := Parcel{SourceIndex: f.Index}

	p.ParcelID = get(FieldParcelID)
	if p.ParcelID == "" {
		return Parcel{}, &resilience.ValidationError{Field: FieldParcelID, Reason: "missing"}
	}
	if len(p.ParcelID) > maxParcelIDLen {
		return Parcel{}, &resilience.ValidationError{Field: FieldParcelID, Value: p.ParcelID, Reason: "longer than 64 characters"}
	}

	code, err := n.countyCode(get(FieldCountyCode))
	if err != nil {
		return Parcel{}, err
	}
	county, err := n.counties.Lookup(code)
	if err != nil {
		return Parcel{}, err
	}
	p.CountyCode = county.Code
	p.CountyFIPS = county.FIPS

	p.OwnerName = get(FieldOwnerName)
	p.OwnerAddress = Address{
		Line1: get(FieldOwnerAddr1),
		Line2: get(FieldOwnerAddr2),
		City:  get(FieldOwnerCity),
		State: get(FieldOwnerState),
		Zip:   get(FieldOwnerZip),
	}
	p.SiteAddress = Address{
		Line1: get(FieldSiteAddr1),
		City:  get(FieldSiteCity),
		Zip:   get(FieldSiteZip),
	}
	p.LegalDescription = get(FieldLegalDescription)

	p.MarketValue = n.valuation(&p, get(FieldMarketValue))
	p.LandValue = n.valuation(&p, get(FieldLandValue))
	p.ImprovementValue = n.valuation(&p, get(FieldImprovementValue))

	if raw := get(FieldYearBuilt); raw != "" {
		if y, ok := parseInt(raw); ok && y != 0 {
			if y >= 1600 && y <= n.now().Year()+1 {
				p.YearBuilt = &y
			} else {
				p.AddFlag(FlagInvalidYearBuilt)
			}
		}
	}
	if v, ok := parseDecimal(get(FieldLivingArea)); ok && v >= 0 {
		p.LivingArea = &v
	}
	if u, ok := parseInt(get(FieldUnitCount)); ok && u >= 0 {
		p.UnitCount = &u
	}

	if withGeometry {
		n.attachGeometry(&p, f)
	}

	if err := p.Validate(); err != nil {
		return Parcel{}, toValidationError(err)
	}
	return p, nil
}

func (n *Normalizer) countyCode(raw string) (int, error) {
	if raw == "" {
		if n.county == 0 {
			return 0, &resilience.ValidationError{Field: FieldCountyCode, Reason: "missing"}
		}
		return n.county, nil
	}

	code, ok := parseInt(raw)
	if !ok {
		return 0, &resilience.ValidationError{Field: FieldCountyCode, Value: raw, Reason: "not an integer"}
	}
	if n.county != 0 && code != n.county && code >= MinCountyCode && code <= MaxCountyCode {
		return 0, &resilience.ValidationError{
			Field:  FieldCountyCode,
			Value:  raw,
			Reason: fmt.Sprintf("record belongs to county %d, run is for county %d", code, n.county),
		}
	}
	return code, nil
}

func (n *Normalizer) valuation(p *Parcel, raw string) *float64 {
	if raw == "" {
		return nil
	}
	v, ok := parseDecimal(raw)
	if !ok || v < 0 {
		p.AddFlag(FlagInvalidValuation)
		return nil
	}
	return &v
}

func (n *Normalizer) attachGeometry(p *Parcel, f Feature) {
	var err error
	switch {
	case f.GeometryErr != nil:
		err = f.GeometryErr
	case f.Geometry == nil:
		err = errors.New("no geometry")
	default:
		srid := n.srid
		if f.SRID != 0 {
			srid = f.SRID
		}
		p.Geometry, err = geometry.Transform(*f.Geometry, srid)
	}

	if err != nil {
		p.Geometry = nil
		p.AddFlag(FlagGeometryMissing)
		n.log.Debug("geometry rejected",
			zap.String("parcel_id", p.ParcelID),
			zap.Int("source_index", f.Index),
			zap.Error(err),
		)
		return
	}
	if p.Geometry.SelfIntersects {
		p.AddFlag(FlagSelfIntersection)
	}
	if p.Geometry.IntersectUnchecked {
		p.AddFlag(FlagIntersectUnchecked)
		n.log.Warn("ring too large for self-intersection check",
			zap.String("parcel_id", p.ParcelID),
			zap.Int("source_index", f.Index),
		)
	}
}

func toValidationError(err error) error {
	var ves validator.ValidationErrors
	if errors.As(err, &ves) && len(ves) > 0 {
		fe := ves[0]
		return &resilience.ValidationError{
			Field:  fe.Field(),
			Value:  fmt.Sprint(fe.Value()),
			Reason: "failed " + fe.Tag() + " check",
		}
	}
	return &resilience.ValidationError{Field: "record", Reason: err.Error()}
}

// parseDecimal parses "1,250,000.50", "$1250000" or " 12 ". Blank and
// non-finite values are rejected.
func parseDecimal(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	s = strings.NewReplacer(",", "", "$", "", " ", "").Replace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// parseInt accepts integral decimals ("15", "15.0") but not "15.5".
func parseInt(s string) (int, bool) {
	v, ok := parseDecimal(s)
	if !ok || v != math.Trunc(v) || math.Abs(v) > math.MaxInt32 {
		return 0, false
	}
	return int(v), true
}
