// Package export turns a result set into tabular files.
package export

import (
	"strconv"

	"github.com/entrhq/calcharvest/pkg/results"
)

// Layout controls headers and the marker for missing cells.
type Layout struct {
	RegionHeader string
	ColumnSuffix string
	Unavailable  string
}

// DefaultLayout returns the column naming used by the published dataset.
func DefaultLayout() Layout {
	return Layout{
		RegionHeader: "Country",
		ColumnSuffix: "kwh",
		Unavailable:  "N/A",
	}
}

// Cell is one measurement slot.
type Cell struct {
	Value   float64
	Present bool
}

// Row is one entity.
type Row struct {
	Entity string
	Cells  []Cell
}

// Table is a rectangular view of a result set: one row per entity in the
// given order, one column per magnitude.
type Table struct {
	Layout  Layout
	Columns []string
	Rows    []Row
}

// Build lays out set for entities and magnitudes. Entities without any
// measurement, state-required ones included, get a row of missing cells.
func Build(entities []string, magnitudes []float64, set results.Set, layout Layout) Table {
	t := Table{
		Layout:  layout,
		Columns: make([]string, len(magnitudes)),
		Rows:    make([]Row, 0, len(entities)),
	}
	for i, m := range magnitudes {
		t.Columns[i] = strconv.FormatFloat(m, 'f', -1, 64) + layout.ColumnSuffix
	}
	for _, entity := range entities {
		row := Row{Entity: entity, Cells: make([]Cell, len(magnitudes))}
		values := set[entity]
		for i, m := range magnitudes {
			if v, ok := values[m]; ok {
				row.Cells[i] = Cell{Value: v, Present: true}
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// Header returns the header row.
func (t Table) Header() []string {
	return append([]string{t.Layout.RegionHeader}, t.Columns...)
}

// Text renders a cell as it appears in text formats.
func (t Table) Text(c Cell) string {
	if !c.Present {
		return t.Layout.Unavailable
	}
	return strconv.FormatFloat(c.Value, 'f', -1, 64)
}

// Records returns the table as rows of strings, header first.
func (t Table) Records() [][]string {
	out := make([][]string, 0, len(t.Rows)+1)
	out = append(out, t.Header())
	for _, r := range t.Rows {
		rec := make([]string, 0, len(r.Cells)+1)
		rec = append(rec, r.Entity)
		for _, c := range r.Cells {
			rec = append(rec, t.Text(c))
		}
		out = append(out, rec)
	}
	return out
}
