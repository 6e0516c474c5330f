package sheet

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"
)

var (
	// ErrNotWorkbook means the bytes are not an xlsx (zip) container.
	ErrNotWorkbook = errors.New("not an xlsx workbook")

	// ErrUnreadable means the container or csv text could not be decoded.
	ErrUnreadable = errors.New("unreadable spreadsheet data")

	// ErrHeaderOutOfRange means the requested header row does not exist.
	ErrHeaderOutOfRange = errors.New("header row out of range")

	// ErrExceedsLimits means the data does not fit in an xlsx worksheet.
	ErrExceedsLimits = errors.New("exceeds worksheet limits")
)

// ParseError is returned for any failure to turn bytes into a Table, and by
// Encode for tables too big for a worksheet.
type ParseError struct {
	Header HeaderRow
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse sheet (header row %s): %v", e.Header, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// zipMagic prefixes every xlsx file.
var zipMagic = []byte("PK\x03\x04")

// rawCell is a cell before type inference. when is set for stored numbers
// that carry a date number format. number marks stored workbook numbers.
type rawCell struct {
	text   string
	when   *time.Time
	number bool
}

func (c rawCell) value() Value {
	if c.when != nil {
		return *c.when
	}
	return inferText(c.text)
}

func (c rawCell) name() string {
	if c.when != nil {
		return formatTime(*c.when)
	}
	if c.number {
		if f, err := strconv.ParseFloat(c.text, 64); err == nil {
			return formatNumber(f)
		}
	}
	return c.text
}

// Parse reads data as a table. With NoHeader every row is data and columns
// are named by position; with AtRow(n) row n supplies the column names and
// rows 0..n are dropped.
func Parse(data []byte, format Format, header HeaderRow) (*Table, error) {
	if header.Set && header.Index < 0 {
		return nil, &ParseError{Header: header, Err: ErrHeaderOutOfRange}
	}

	var (
		grid [][]rawCell
		err  error
	)
	switch format {
	case FormatCSV:
		grid, err = readCSV(data)
	default:
		grid, err = readWorkbook(data)
	}
	if err != nil {
		return nil, &ParseError{Header: header, Err: err}
	}

	grid = trimTrailingBlankRows(grid)
	width, err := fitWorksheet(grid)
	if err != nil {
		return nil, &ParseError{Header: header, Err: err}
	}

	if !header.Set {
		columns := make([]string, width)
		for i := range columns {
			columns[i] = strconv.Itoa(i)
		}
		return &Table{Columns: columns, Rows: toValues(grid, width)}, nil
	}

	if header.Index >= len(grid) {
		return nil, &ParseError{
			Header: header,
			Err:    fmt.Errorf("%w: file has %d rows", ErrHeaderOutOfRange, len(grid)),
		}
	}

	return &Table{
		Columns: columnNames(grid[header.Index], width),
		Rows:    toValues(grid[header.Index+1:], width),
	}, nil
}

// readWorkbook loads the first worksheet as raw cells.
func readWorkbook(data []byte) ([][]rawCell, error) {
	if !bytes.HasPrefix(data, zipMagic) {
		return nil, ErrNotWorkbook
	}

	opts := excelize.Options{RawCellValue: true}
	f, err := excelize.OpenReader(bytes.NewReader(data), opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrUnreadable)
	}
	name := sheets[0]

	rows, err := f.GetRows(name, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: read sheet %q: %v", ErrUnreadable, name, err)
	}

	date1904 := false
	if props, err := f.GetWorkbookProps(); err == nil && props.Date1904 != nil {
		date1904 = *props.Date1904
	}
	dates := &dateStyles{file: f, known: make(map[int]bool)}

	grid := make([][]rawCell, len(rows))
	for r, row := range rows {
		cells := make([]rawCell, len(row))
		for c, text := range row {
			cells[c] = rawCell{text: text}
			if text == "" || !numericRegex.MatchString(text) {
				continue
			}
			ref, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
			}
			if typ, err := f.GetCellType(name, ref); err == nil && (typ == excelize.CellTypeUnset || typ == excelize.CellTypeNumber) {
				cells[c].number = true
			}
			serial, err := strconv.ParseFloat(text, 64)
			if err != nil || (!date1904 && serial < minDateSerial) || serial < 0 {
				continue
			}
			if !dates.isDate(name, ref) {
				continue
			}
			t, err := excelize.ExcelDateToTime(serial, date1904)
			if err != nil {
				continue
			}
			t = normalizeTime(t)
			cells[c].when = &t
		}
		grid[r] = cells
	}
	return grid, nil
}

// dateStyles caches whether a style ID carries a date number format.
type dateStyles struct {
	file  *excelize.File
	known map[int]bool
}

func (d *dateStyles) isDate(sheet, ref string) bool {
	id, err := d.file.GetCellStyle(sheet, ref)
	if err != nil || id == 0 {
		return false
	}
	if isDate, ok := d.known[id]; ok {
		return isDate
	}
	isDate := false
	if style, err := d.file.GetStyle(id); err == nil && style != nil {
		switch {
		case builtInDateFormats[style.NumFmt]:
			isDate = true
		case style.CustomNumFmt != nil:
			isDate = isDateFormatCode(*style.CustomNumFmt)
		}
	}
	d.known[id] = isDate
	return isDate
}

// fitWorksheet rejects grids an xlsx worksheet cannot hold and replaces
// characters XML cannot carry with U+FFFD, as the writer would. Every Table
// Parse returns can therefore be encoded without loss. It returns the grid
// width.
func fitWorksheet(grid [][]rawCell) (int, error) {
	if len(grid) > excelize.TotalRows {
		return 0, fmt.Errorf("%w: %d rows, at most %d allowed", ErrExceedsLimits, len(grid), excelize.TotalRows)
	}
	width := 0
	for r, row := range grid {
		if len(row) > excelize.MaxColumns {
			return 0, fmt.Errorf("%w: row %d has %d columns, at most %d allowed", ErrExceedsLimits, r, len(row), excelize.MaxColumns)
		}
		width = max(width, len(row))
		for c := range row {
			text := xmlSafe(row[c].text)
			if n := utf16Len(text); n > excelize.TotalCellChars {
				return 0, fmt.Errorf("%w: cell at row %d column %d has %d characters, at most %d allowed",
					ErrExceedsLimits, r, c, n, excelize.TotalCellChars)
			}
			row[c].text = text
		}
	}
	return width, nil
}

func trimTrailingBlankRows(grid [][]rawCell) [][]rawCell {
	end := len(grid)
	for end > 0 && isBlankRow(grid[end-1]) {
		end--
	}
	return grid[:end]
}

func isBlankRow(row []rawCell) bool {
	for _, c := range row {
		if c.text != "" {
			return false
		}
	}
	return true
}

func toValues(grid [][]rawCell, width int) [][]Value {
	rows := make([][]Value, len(grid))
	for r, row := range grid {
		values := make([]Value, width)
		for c, cell := range row {
			values[c] = cell.value()
		}
		rows[r] = values
	}
	return rows
}

// columnNames builds unique names from a header row: blanks become
// "Unnamed: i" and repeats get ".1", ".2", ... suffixes.
func columnNames(row []rawCell, width int) []string {
	names := make([]string, width)
	for i := range names {
		if i < len(row) {
			names[i] = row[i].name()
		}
		if names[i] == "" {
			names[i] = fmt.Sprintf("Unnamed: %d", i)
		}
	}

	seen := make(map[string]int, width)
	for i, name := range names {
		if _, dup := seen[name]; dup {
			base := name
			for {
				seen[base]++
				name = fmt.Sprintf("%s.%d", base, seen[base])
				if _, taken := seen[name]; !taken {
					break
				}
			}
		}
		seen[name] = 0
		names[i] = name
	}
	return names
}
