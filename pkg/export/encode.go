package export

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// Format is a tabular file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// Encoder writes a Table in one format.
type Encoder interface {
	Encode(w io.Writer, t Table) error
	Ext() string
}

// EncoderFor returns the encoder for f.
func EncoderFor(f Format) (Encoder, error) {
	switch f {
	case FormatCSV:
		return csvEncoder{}, nil
	case FormatXLSX:
		return xlsxEncoder{}, nil
	default:
		return nil, fmt.Errorf("unsupported export format %q", f)
	}
}

type csvEncoder struct{}

func (csvEncoder) Ext() string { return ".csv" }

func (csvEncoder) Encode(w io.Writer, t Table) error {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(t.Records()); err != nil {
		return fmt.Errorf("failed to write csv: %w", err)
	}
	return nil
}

const sheetName = "Results"

type xlsxEncoder struct{}

func (xlsxEncoder) Ext() string { return ".xlsx" }

// Encode writes measurements as numeric cells and missing ones as the
// unavailable marker.
func (xlsxEncoder) Encode(w io.Writer, t Table) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	header := make([]interface{}, 0, len(t.Columns)+1)
	for _, h := range t.Header() {
		header = append(header, h)
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i, r := range t.Rows {
		row := make([]interface{}, 0, len(r.Cells)+1)
		row = append(row, r.Entity)
		for _, c := range r.Cells {
			if c.Present {
				row = append(row, c.Value)
			} else {
				row = append(row, t.Layout.Unavailable)
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write xlsx: %w", err)
	}
	return nil
}
