package extract

import (
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/uwdash/internal/model"
	"github.com/sells-group/uwdash/internal/workbook"
)

// Excel's last valid date serial (9999-12-31).
const maxSerial = 2958465

var dateLayouts = []string{
	model.DateLayout,
	"01/02/2006",
	"1/2/2006",
	"1/2/06",
	"Jan 2, 2006",
	"January 2, 2006",
	"2-Jan-2006",
	"2-Jan-06",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// coerce converts a cell to the hinted value type. mismatch reports a value
// kept as text because it did not fit the hint. Empty and error cells are
// Missing.
func coerce(c workbook.Cell, hint model.TypeHint) (v model.Value, mismatch bool) {
	switch c.Kind {
	case workbook.Empty, workbook.Error:
		return model.Missing(), false
	case workbook.Number:
		if !model.IsFinite(c.Number) {
			return model.Text(c.Raw()), hint == model.HintNumber || hint == model.HintDate
		}
	}

	switch hint {
	case model.HintText:
		if c.Kind == workbook.String {
			return model.Text(c.Text), false
		}
		return model.Text(c.Raw()), false

	case model.HintNumber:
		switch c.Kind {
		case workbook.Number, workbook.Date:
			return model.Number(c.Number), false
		case workbook.String:
			if f, ok := ParseNumber(c.Text); ok {
				return model.Number(f), false
			}
		}
		return model.Text(c.Raw()), true

	case model.HintDate:
		switch c.Kind {
		case workbook.Date:
			return model.Date(c.Time), false
		case workbook.Number:
			if c.Number >= 1 && c.Number <= maxSerial {
				return model.Date(workbook.TimeFromSerial(c.Number, false)), false
			}
		case workbook.String:
			if t, ok := ParseDateText(c.Text); ok {
				return model.Date(t), false
			}
		}
		return model.Text(c.Raw()), true
	}

	switch c.Kind {
	case workbook.Number:
		return model.Number(c.Number), false
	case workbook.Date:
		return model.Date(c.Time), false
	default:
		return model.Text(c.Raw()), false
	}
}

// ParseNumber parses numeric text as it appears in models: currency
// symbols, thousands separators, accounting negatives and percentages.
// "NaN" and "Inf" spellings are not numbers.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	pct := strings.HasSuffix(s, "%")
	s = strings.TrimSuffix(s, "%")
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || !model.IsFinite(f) {
		return 0, false
	}
	if pct {
		f /= 100
	}
	if neg {
		f = -f
	}
	return f, true
}

// ParseDateText parses the date layouts found in model text cells.
func ParseDateText(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
