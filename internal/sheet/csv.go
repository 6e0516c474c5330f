package sheet

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"unicode/utf8"
)

// utf8BOM is prepended to csv files by many Windows programs.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// readCSV loads comma-separated text as raw cells. A leading BOM is dropped
// and invalid UTF-8 bytes are replaced with '?'.
func readCSV(data []byte) ([][]rawCell, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	data = sanitizeUTF8(data)

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	grid := make([][]rawCell, len(records))
	for i, record := range records {
		cells := make([]rawCell, len(record))
		for j, text := range record {
			cells[j] = rawCell{text: text}
		}
		grid[i] = cells
	}
	return grid, nil
}

func sanitizeUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}

	var buf bytes.Buffer
	buf.Grow(len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			buf.WriteByte('?')
		} else {
			buf.Write(data[:size])
		}
		data = data[size:]
	}
	return buf.Bytes()
}
