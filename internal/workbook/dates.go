package workbook

import (
	"math"
	"regexp"
	"strings"
	"time"
)

var (
	epoch1900 = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)
	epoch1904 = time.Date(1904, 1, 1, 0, 0, 0, 0, time.UTC)
)

// TimeFromSerial converts an Excel date serial to a UTC time.
func TimeFromSerial(serial float64, date1904 bool) time.Time {
	base := epoch1900
	if date1904 {
		base = epoch1904
	}
	days := math.Floor(serial)
	frac := serial - days
	t := base.AddDate(0, 0, int(days))
	return t.Add(time.Duration(math.Round(frac*86400)) * time.Second)
}

// ExcelSerial converts t to an Excel date serial.
func ExcelSerial(t time.Time, date1904 bool) float64 {
	base := epoch1900
	if date1904 {
		base = epoch1904
	}
	return t.UTC().Sub(base).Hours() / 24
}

// Built-in number formats that render as dates or times.
var builtinDateFormats = map[int]bool{
	14: true, 15: true, 16: true, 17: true, 18: true, 19: true,
	20: true, 21: true, 22: true, 45: true, 46: true, 47: true,
}

var (
	quotedRe  = regexp.MustCompile(`"[^"]*"`)
	bracketRe = regexp.MustCompile(`\[[^\]]*\]`)
)

// isDateFormat reports whether a number format id or code renders dates.
func isDateFormat(id int, code string) bool {
	if builtinDateFormats[id] {
		return true
	}
	if code == "" {
		return false
	}
	// Only the positive section matters.
	code = strings.SplitN(code, ";", 2)[0]
	code = quotedRe.ReplaceAllString(code, "")
	code = bracketRe.ReplaceAllString(code, "")
	code = strings.ReplaceAll(code, `\`, "")
	return strings.ContainsAny(strings.ToLower(code), "dmyhs")
}
