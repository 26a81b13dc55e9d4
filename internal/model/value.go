package model

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// Kind identifies which variant a Value holds.
type Kind uint8

// Value kinds.
const (
	KindMissing Kind = iota
	KindText
	KindNumber
	KindDate
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindNumber:
		return "number"
	case KindDate:
		return "date"
	default:
		return "missing"
	}
}

// DateLayout is the calendar-date format used for dates without a clock part.
const DateLayout = "2006-01-02"

// Value is a coerced cell value: exactly one of Text, Number, Date or Missing.
// The zero Value is Missing.
type Value struct {
	kind Kind
	text string
	num  float64
	date time.Time
}

// Missing returns the missing marker.
func Missing() Value { return Value{} }

// Text returns a text value.
func Text(s string) Value { return Value{kind: KindText, text: s} }

// Number returns a numeric value. NaN and the infinities have no JSON or
// decimal form and become Missing.
func Number(f float64) Value {
	if !IsFinite(f) {
		return Missing()
	}
	return Value{kind: KindNumber, num: f}
}

// IsFinite reports whether f is neither NaN nor infinite.
func IsFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Date returns a date value.
func Date(t time.Time) Value { return Value{kind: KindDate, date: t} }

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsMissing reports whether v is the missing marker.
func (v Value) IsMissing() bool { return v.kind == KindMissing }

// Float returns the numeric payload.
func (v Value) Float() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// Time returns the date payload.
func (v Value) Time() (time.Time, bool) {
	if v.kind != KindDate {
		return time.Time{}, false
	}
	return v.date, true
}

// String renders v for display and text search. Missing renders as "".
func (v Value) String() string {
	switch v.kind {
	case KindText:
		return v.text
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindDate:
		return formatDate(v.date)
	default:
		return ""
	}
}

// Equal reports whether two values hold the same variant and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindText:
		return v.text == o.text
	case KindNumber:
		return v.num == o.num
	case KindDate:
		return v.date.Equal(o.date)
	default:
		return true
	}
}

// SQL returns the value as a database/sql parameter.
func (v Value) SQL() any {
	switch v.kind {
	case KindText:
		return v.text
	case KindNumber:
		return v.num
	case KindDate:
		return formatDate(v.date)
	default:
		return nil
	}
}

// FromSQL converts a scanned column value back into a Value. dateColumn
// marks columns declared with a date type so their text is parsed back.
func FromSQL(src any, dateColumn bool) Value {
	switch s := src.(type) {
	case nil:
		return Missing()
	case int64:
		return Number(float64(s))
	case float64:
		return Number(s)
	case bool:
		if s {
			return Number(1)
		}
		return Number(0)
	case time.Time:
		return Date(s)
	case []byte:
		return fromSQLText(string(s), dateColumn)
	case string:
		return fromSQLText(s, dateColumn)
	default:
		return Missing()
	}
}

func fromSQLText(s string, dateColumn bool) Value {
	if dateColumn {
		if t, ok := ParseDate(s); ok {
			return Date(t)
		}
	}
	return Text(s)
}

// ParseDate parses the date formats written by Value.SQL and MarshalJSON.
func ParseDate(s string) (time.Time, bool) {
	for _, layout := range []string{DateLayout, time.RFC3339, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func formatDate(t time.Time) string {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format(DateLayout)
	}
	return t.Format(time.RFC3339)
}

// MarshalJSON encodes Missing as null, numbers as JSON numbers and text
// and dates as strings.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		return json.Marshal(v.num)
	case KindText:
		return json.Marshal(v.text)
	case KindDate:
		return json.Marshal(formatDate(v.date))
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON is the inverse of MarshalJSON. Strings in a date layout
// decode as dates.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Missing()
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return eris.Wrap(err, "value: decode string")
		}
		if t, ok := ParseDate(s); ok {
			*v = Date(t)
			return nil
		}
		*v = Text(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return eris.Wrap(err, "value: decode bool")
		}
		*v = Text(strconv.FormatBool(b))
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return eris.Wrap(err, "value: decode number")
		}
		*v = Number(f)
	}
	return nil
}
