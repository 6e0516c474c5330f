package sheet

// infer.go pins down how raw cell text becomes a typed Value.
//
// Spreadsheet libraries format cells according to the workbook's number
// formats and, for some formats, the reader's locale. Instead, cells are read
// as their stored raw value and converted by this fixed rule:
//
//  1. Empty text is a blank (nil).
//  2. A stored number of at least 61 (1900-03-01) whose number format is a
//     date/time format becomes a time.Time in UTC, rounded to the second.
//     The workbook's 1904 flag is honoured. Smaller serials stay numbers.
//  3. Text matching one of isoLayouts, on or after 1900-03-01, becomes a
//     time.Time in UTC.
//  4. Text matching numericRegex becomes a float64.
//  5. Anything else is kept verbatim as a string.
//
// Header cells are never converted; they are names, not data.

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// numericRegex matches integers, decimals and scientific notation.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// isoLayouts are the only textual date layouts recognised.
var isoLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// minDate is the earliest date that survives an xlsx round trip unchanged.
var minDate = time.Date(1900, time.March, 1, 0, 0, 0, 0, time.UTC)

// minDateSerial is minDate as a 1900-system serial number.
const minDateSerial = 61

// dateLayout and dateTimeLayout render times for display and header names.
const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02 15:04:05"
)

// builtInDateFormats are the built-in number format IDs that display dates
// or times (ECMA-376 18.8.30).
var builtInDateFormats = map[int]bool{
	14: true, 15: true, 16: true, 17: true, 18: true, 19: true,
	20: true, 21: true, 22: true, 45: true, 46: true, 47: true,
}

// inferText applies rules 1, 3, 4 and 5 to raw text.
func inferText(raw string) Value {
	if raw == "" {
		return nil
	}
	if t, ok := parseISOTime(raw); ok {
		return t
	}
	if numericRegex.MatchString(raw) {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	}
	return raw
}

func parseISOTime(raw string) (time.Time, bool) {
	for _, layout := range isoLayouts {
		t, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		t = normalizeTime(t)
		if t.Before(minDate) {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

// normalizeTime fixes the location and precision of every time in a Table.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Round(time.Second)
}

// isDateFormatCode reports whether a custom number format code displays a
// date or time. Quoted literals, escaped characters and bracketed sections
// (colours, locales, elapsed-time markers aside) are ignored.
func isDateFormatCode(code string) bool {
	// Only the positive section decides.
	if i := strings.IndexByte(code, ';'); i >= 0 {
		code = code[:i]
	}
	var b strings.Builder
	inQuote := false
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case c == '"':
			inQuote = !inQuote
		case inQuote:
		case c == '\\' || c == '_' || c == '*':
			i++
		case c == '[':
			end := strings.IndexByte(code[i:], ']')
			if end < 0 {
				i = len(code)
				continue
			}
			section := strings.ToLower(code[i+1 : i+end])
			if section == "h" || section == "hh" || section == "m" || section == "mm" || section == "s" || section == "ss" {
				b.WriteByte('h')
			}
			i += end
		default:
			b.WriteByte(c)
		}
	}
	s := strings.ToLower(b.String())
	return strings.ContainsAny(s, "ydh") || strings.Contains(s, "ss")
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
		return t.Format(dateLayout)
	}
	return t.Format(dateTimeLayout)
}

// xmlSafe replaces runes outside the XML 1.0 character range with U+FFFD.
func xmlSafe(s string) string {
	clean := true
	for _, r := range s {
		if !isXMLChar(r) {
			clean = false
			break
		}
	}
	if clean {
		return s
	}
	return strings.Map(func(r rune) rune {
		if isXMLChar(r) {
			return r
		}
		return '\uFFFD'
	}, s)
}

func isXMLChar(r rune) bool {
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		r >= 0x20 && r <= 0xD7FF ||
		r >= 0xE000 && r <= 0xFFFD ||
		r >= 0x10000 && r <= 0x10FFFF
}

// utf16Len counts UTF-16 code units, the unit of the worksheet cell limit.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}
