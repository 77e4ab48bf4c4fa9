package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/cases"
)

// ErrNoHeader is returned when a tabular extract has no header row.
var ErrNoHeader = eris.New("fetcher: table has no header row")

// Row is one data row of a Table. Line is the 1-based physical row in the
// source, header included, so it matches what an analyst sees in the file.
type Row struct {
	Line  int
	Cells []string
}

// Cell returns column i, or "" when the row is short.
func (r Row) Cell(i int) string {
	if i < 0 || i >= len(r.Cells) {
		return ""
	}
	return r.Cells[i]
}

// Table is a header plus a stream of data rows. Rows must be drained (or
// Close called) before Err is read.
type Table struct {
	Header []string

	rows   <-chan Row
	errs   <-chan error
	cancel context.CancelFunc
	fold   cases.Caser
}

// Rows returns the data row channel. It is closed when the source is
// exhausted, fails or the table is closed.
func (t *Table) Rows() <-chan Row { return t.rows }

// Err returns the first read error after Rows has been drained.
func (t *Table) Err() error {
	for err := range t.errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Close stops the reader and waits for it to exit.
func (t *Table) Close() {
	t.cancel()
	for range t.rows { //nolint:revive // drain so the reader goroutine exits
	}
}

// Column returns the index of the first header matching any of names,
// compared case-insensitively, or -1.
func (t *Table) Column(names ...string) int {
	for _, name := range names {
		want := t.fold.String(name)
		for i, h := range t.Header {
			if t.fold.String(h) == want {
				return i
			}
		}
	}
	return -1
}

// CSVOptions configures OpenCSV.
type CSVOptions struct {
	Delimiter rune // default ','
	Comment   rune // 0 = none
	TrimSpace bool
}

// OpenCSV reads the header synchronously and streams the remaining rows.
// Quotes are parsed lazily and ragged rows are allowed; county extracts are
// rarely clean.
func OpenCSV(ctx context.Context, r io.Reader, opts CSVOptions) (*Table, error) {
	reader := csv.NewReader(r)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	reader.Comment = opts.Comment
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, eris.Wrap(err, "csv: read header")
	}

	next := func() ([]string, error) {
		record, err := reader.Read()
		if err != nil {
			return nil, err
		}
		if opts.TrimSpace {
			for i, field := range record {
				record[i] = strings.TrimSpace(field)
			}
		}
		return record, nil
	}
	return newTable(ctx, header, "csv", next), nil
}

// OpenXLSX reads a worksheet whose first row is the header. sheet may be
// empty for the first worksheet.
func OpenXLSX(ctx context.Context, path, sheet string) (*Table, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}

	var ws *xlsx.Sheet
	switch {
	case sheet != "":
		var ok bool
		if ws, ok = f.Sheet[sheet]; !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", sheet)
		}
	case len(f.Sheets) == 0:
		return nil, ErrNoHeader
	default:
		ws = f.Sheets[0]
	}
	if len(ws.Rows) == 0 {
		return nil, ErrNoHeader
	}

	rest := ws.Rows[1:]
	next := func() ([]string, error) {
		if len(rest) == 0 {
			return nil, io.EOF
		}
		row := rest[0]
		rest = rest[1:]
		cells := make([]string, len(row.Cells))
		for i, c := range row.Cells {
			cells[i] = c.String()
		}
		return cells, nil
	}
	return newTable(ctx, cellStrings(ws.Rows[0]), "xlsx", next), nil
}

func cellStrings(row *xlsx.Row) []string {
	out := make([]string, len(row.Cells))
	for i, c := range row.Cells {
		out[i] = c.String()
	}
	return out
}

// newTable cleans the header and starts a goroutine pulling rows from next
// until io.EOF.
func newTable(ctx context.Context, header []string, kind string, next func() ([]string, error)) *Table {
	for i, h := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	ctx, cancel := context.WithCancel(ctx)
	rowCh := make(chan Row, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		for line := 2; ; line++ {
			if ctx.Err() != nil {
				errCh <- eris.Wrapf(ctx.Err(), "%s: context cancelled", kind)
				return
			}
			cells, err := next()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrapf(err, "%s: read row %d", kind, line)
				return
			}
			select {
			case rowCh <- Row{Line: line, Cells: cells}:
			case <-ctx.Done():
				errCh <- eris.Wrapf(ctx.Err(), "%s: context cancelled", kind)
				return
			}
		}
	}()

	return &Table{
		Header: header,
		rows:   rowCh,
		errs:   errCh,
		cancel: cancel,
		fold:   cases.Fold(),
	}
}
