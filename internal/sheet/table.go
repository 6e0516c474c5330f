// Package sheet reads and writes the tabular files handled by the bot.
//
// Parsing turns xlsx (or csv) bytes into a [Table] whose cells follow one
// fixed type-inference rule (see infer.go), so the same bytes and header row
// always produce the same table. Encoding writes a [Table] back to xlsx such
// that parsing the result with header row 0 reproduces it exactly.
package sheet

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Value is a single cell. It is one of: nil (blank), float64, time.Time or
// string. No other dynamic types are produced by Parse or accepted by Encode.
type Value any

// Table is a parsed sheet: named columns and the data rows below the header.
// Every row has exactly len(Columns) cells.
type Table struct {
	Columns []string
	Rows    [][]Value
}

// RowCount returns the number of data rows.
func (t *Table) RowCount() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// ColumnCount returns the number of columns.
func (t *Table) ColumnCount() int {
	if t == nil {
		return 0
	}
	return len(t.Columns)
}

// HeaderRow selects which raw row becomes the column names.
// The zero value means "no header row".
type HeaderRow struct {
	Index int
	Set   bool
}

// NoHeader parses with positional column names.
var NoHeader = HeaderRow{}

// AtRow designates raw row n (0-based) as the header.
func AtRow(n int) HeaderRow {
	return HeaderRow{Index: n, Set: true}
}

func (h HeaderRow) String() string {
	if !h.Set {
		return "none"
	}
	return fmt.Sprintf("%d", h.Index)
}

// Format identifies the byte layout of an uploaded file.
type Format int

const (
	FormatXLSX Format = iota
	FormatCSV
)

func (f Format) String() string {
	switch f {
	case FormatCSV:
		return "csv"
	default:
		return "xlsx"
	}
}

// FormatFromName picks the format from a file name's extension.
// Anything that is not .csv is treated as a workbook.
func FormatFromName(name string) Format {
	if strings.EqualFold(path.Ext(name), ".csv") {
		return FormatCSV
	}
	return FormatXLSX
}

// CleanedName returns the artifact name for a cleaned copy of name.
// Encode always emits xlsx, so csv sources get their extension swapped.
func CleanedName(name string) string {
	if FormatFromName(name) == FormatCSV {
		name = strings.TrimSuffix(name, path.Ext(name)) + ".xlsx"
	}
	return "cleaned_" + name
}

// FormatValue renders a cell for display.
func FormatValue(v Value) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		return formatNumber(x)
	case time.Time:
		return formatTime(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
