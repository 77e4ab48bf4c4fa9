package verify

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// WriteXLSX exports the report as a workbook with a Summary sheet and a
// Violations sheet.
func (r *Report) WriteXLSX(path string) error {
	f := xlsx.NewFile()

	summary, err := f.AddSheet("Summary")
	if err != nil {
		return eris.Wrap(err, "verify: add summary sheet")
	}
	addRow(summary, "metric", "value")
	source := strconv.Itoa(r.SourceCount)
	if r.SourceCount < 0 {
		source = "n/a"
	}
	for _, kv := range [][2]string{
		{"county_code", strconv.Itoa(r.County)},
		{"source_count", source},
		{"loaded_count", strconv.FormatInt(r.LoadedCount, 10)},
		{"discrepancy", strconv.FormatInt(r.Discrepancy, 10)},
		{"with_geometry", strconv.FormatInt(r.WithGeometry, 10)},
		{"geometry_failures", strconv.FormatInt(r.GeometryFailures, 10)},
		{"self_intersections", strconv.FormatInt(r.SelfIntersections, 10)},
		{"geometry_ratio", fmt.Sprintf("%.4f", r.GeometryRatio)},
		{"valued_parcels", strconv.FormatInt(r.ValuedParcels, 10)},
		{"avg_market_value", fmt.Sprintf("%.2f", r.AvgMarketValue)},
		{"min_market_value", fmt.Sprintf("%.2f", r.MinMarketValue)},
		{"max_market_value", fmt.Sprintf("%.2f", r.MaxMarketValue)},
		{"checked_at", r.CheckedAt.Format(time.RFC3339)},
	} {
		addRow(summary, kv[0], kv[1])
	}

	violations, err := f.AddSheet("Violations")
	if err != nil {
		return eris.Wrap(err, "verify: add violations sheet")
	}
	addRow(violations, "violation")
	for _, v := range r.Violations {
		addRow(violations, v)
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "verify: save %s", path)
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, cells ...string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(c)
	}
}
