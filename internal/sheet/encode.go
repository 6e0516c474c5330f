package sheet

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

// ContentType is the MIME type of every artifact produced by Encode.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// encodedSheet is the single worksheet Encode writes.
const encodedSheet = "Sheet1"

// dateTimeNumFmt is the built-in "m/d/yy h:mm" format applied to time cells.
const dateTimeNumFmt = 22

// Attachment is a named, typed payload ready to embed in an outbound message.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	ContentURL  string `json:"contentUrl"`
}

// Encode writes t as an xlsx workbook: the column names on the first row,
// then every data row in order. Blank cells are omitted.
func Encode(t *Table) ([]byte, error) {
	if t == nil {
		return nil, fmt.Errorf("encode: nil table")
	}
	if err := checkLimits(t); err != nil {
		return nil, &ParseError{Header: AtRow(0), Err: err}
	}

	f := excelize.NewFile()
	defer f.Close()

	sw, err := f.NewStreamWriter(encodedSheet)
	if err != nil {
		return nil, fmt.Errorf("encode: open stream writer: %w", err)
	}
	dateStyle, err := f.NewStyle(&excelize.Style{NumFmt: dateTimeNumFmt})
	if err != nil {
		return nil, fmt.Errorf("encode: date style: %w", err)
	}

	header := make([]any, len(t.Columns))
	for i, name := range t.Columns {
		header[i] = name
	}
	if err := sw.SetRow("A1", header); err != nil {
		return nil, fmt.Errorf("encode: header row: %w", err)
	}

	for r, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return nil, fmt.Errorf("encode: row %d has %d cells, want %d", r, len(row), len(t.Columns))
		}
		cells := make([]any, len(row))
		for c, v := range row {
			cell, err := encodeValue(v, dateStyle)
			if err != nil {
				return nil, fmt.Errorf("encode: row %d column %q: %w", r, t.Columns[c], err)
			}
			cells[c] = cell
		}
		ref, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return nil, fmt.Errorf("encode: row %d: %w", r, err)
		}
		if err := sw.SetRow(ref, cells); err != nil {
			return nil, fmt.Errorf("encode: row %d: %w", r, err)
		}
	}

	if err := sw.Flush(); err != nil {
		return nil, fmt.Errorf("encode: flush: %w", err)
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("encode: write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// checkLimits rejects tables an xlsx worksheet cannot hold. excelize would
// otherwise truncate long cells without reporting it.
func checkLimits(t *Table) error {
	if len(t.Rows)+1 > excelize.TotalRows {
		return fmt.Errorf("%w: %d data rows, at most %d allowed", ErrExceedsLimits, len(t.Rows), excelize.TotalRows-1)
	}
	if len(t.Columns) > excelize.MaxColumns {
		return fmt.Errorf("%w: %d columns, at most %d allowed", ErrExceedsLimits, len(t.Columns), excelize.MaxColumns)
	}
	for _, name := range t.Columns {
		if utf16Len(name) > excelize.TotalCellChars {
			return fmt.Errorf("%w: column name longer than %d characters", ErrExceedsLimits, excelize.TotalCellChars)
		}
	}
	for r, row := range t.Rows {
		for c, v := range row {
			if s, ok := v.(string); ok && utf16Len(s) > excelize.TotalCellChars {
				return fmt.Errorf("%w: row %d column %d longer than %d characters", ErrExceedsLimits, r, c, excelize.TotalCellChars)
			}
		}
	}
	return nil
}

func encodeValue(v Value, dateStyle int) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return x, nil
	case string:
		return x, nil
	case time.Time:
		return excelize.Cell{StyleID: dateStyle, Value: x.UTC()}, nil
	default:
		return nil, fmt.Errorf("unsupported cell type %T", v)
	}
}

// ToAttachment wraps encoded workbook bytes as a self-contained attachment
// whose content URL is a base64 data: URL.
func ToAttachment(data []byte, name string) Attachment {
	return Attachment{
		Name:        name,
		ContentType: ContentType,
		ContentURL:  "data:" + ContentType + ";base64," + base64.StdEncoding.EncodeToString(data),
	}
}
