package sheet

import (
	"testing"
	"time"
)

func TestInferText(t *testing.T) {
	tests := []struct {
		raw  string
		want Value
	}{
		{"", nil},
		{"hello", "hello"},
		{"42", 42.0},
		{"-0.5", -0.5},
		{".25", 0.25},
		{"1e-3", 0.001},
		{"1,000", "1,000"},
		{"12abc", "12abc"},
		{" 7", " 7"},
		{"2024-03-10", time.Date(2024, time.March, 10, 0, 0, 0, 0, time.UTC)},
		{"2024-03-10 09:30:00", time.Date(2024, time.March, 10, 9, 30, 0, 0, time.UTC)},
		{"2024-03-10T09:30:00", time.Date(2024, time.March, 10, 9, 30, 0, 0, time.UTC)},
		{"2024-03-10T09:30:00+02:00", time.Date(2024, time.March, 10, 7, 30, 0, 0, time.UTC)},
		{"1899-12-31", "1899-12-31"},
		{"03/10/2024", "03/10/2024"},
	}

	for _, tt := range tests {
		got := inferText(tt.raw)
		if gt, ok := got.(time.Time); ok {
			wt, ok := tt.want.(time.Time)
			if !ok || !gt.Equal(wt) || gt.Location() != time.UTC {
				t.Errorf("inferText(%q) = %v, want %v", tt.raw, got, tt.want)
			}
			continue
		}
		if got != tt.want {
			t.Errorf("inferText(%q) = %#v, want %#v", tt.raw, got, tt.want)
		}
	}
}

func TestIsDateFormatCode(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"yyyy-mm-dd", true},
		{"d-mmm", true},
		{"h:mm AM/PM", true},
		{"mm:ss", true},
		{"[h]:mm", true},
		{"[$-409]mmmm d, yyyy", true},
		{"0.00", false},
		{"#,##0", false},
		{"General", false},
		{`0.0 "days"`, false},
		{`#,##0\d`, false},
		{"[Red]0.00", false},
		{"0.00;[Red]-0.00", false},
		{"0%", false},
	}

	for _, tt := range tests {
		if got := isDateFormatCode(tt.code); got != tt.want {
			t.Errorf("isDateFormatCode(%q) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   Value
		want string
	}{
		{nil, ""},
		{"x", "x"},
		{3.0, "3"},
		{0.125, "0.125"},
		{time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC), "2024-05-01"},
		{time.Date(2024, time.May, 1, 6, 7, 8, 0, time.UTC), "2024-05-01 06:07:08"},
	}

	for _, tt := range tests {
		if got := FormatValue(tt.in); got != tt.want {
			t.Errorf("FormatValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
