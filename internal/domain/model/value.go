package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Record values are normalized to int64, string, time.Time,
// decimal.Decimal or nil. Parsing is strict: a malformed value fails the
// whole record, and the caller aborts the cycle rather than persist a
// partial delivery.

func parseValue(t FieldType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case FieldInt:
		return parseInt(v)
	case FieldString:
		return parseString(v)
	case FieldTime:
		return parseTime(v)
	case FieldDecimal:
		return parseDecimal(v)
	}
	return nil, fmt.Errorf("unknown field type %d", t)
}

func parseInt(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	case string:
		return strconv.ParseInt(x, 10, 64)
	}
	return 0, fmt.Errorf("cannot read %T as int", v)
}

func parseString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	}
	return "", fmt.Errorf("cannot read %T as string", v)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func parseTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case []byte:
		return parseTime(string(x))
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as time", x)
	}
	return time.Time{}, fmt.Errorf("cannot read %T as time", v)
}

func parseDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case string:
		return decimal.NewFromString(x)
	case []byte:
		return decimal.NewFromString(string(x))
	case int64:
		return decimal.NewFromInt(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case float64:
		return decimal.NewFromFloat(x), nil
	}
	return decimal.Decimal{}, fmt.Errorf("cannot read %T as decimal", v)
}

// canonValue renders a normalized value deterministically. Two records
// with equal value fields must hash identically no matter how they were
// constructed, so decimals are trimmed of trailing zeros and times are
// pinned to UTC with a fixed layout.
func canonValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "<nil>"
	case int64:
		return strconv.FormatInt(x, 10)
	case string:
		return x
	case time.Time:
		return x.UTC().Format("2006-01-02 15:04:05.999999")
	case decimal.Decimal:
		return canonDecimal(x)
	}
	return fmt.Sprintf("%v", v)
}

func canonDecimal(d decimal.Decimal) string {
	s := d.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	if s == "-0" || s == "" {
		s = "0"
	}
	return s
}
