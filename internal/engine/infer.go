package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentic-research/tabula/api"
)

// sampleRows is how many data rows feed type inference.
const sampleRows = 1000

var dateLayouts = []string{
	time.DateOnly,
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	time.DateTime,
	"2006/01/02",
}

// inferTypes picks the narrowest type every non-empty sample value of a
// column satisfies. Columns with no values at all are text.
func inferTypes(header []string, sample [][]string) []api.ColumnType {
	types := make([]api.ColumnType, len(header))
	for col := range header {
		isInt, isFloat, isBool, isDate := true, true, true, true
		seen := false
		for _, rec := range sample {
			if col >= len(rec) {
				continue
			}
			v := strings.TrimSpace(rec[col])
			if v == "" {
				continue
			}
			seen = true
			if isInt {
				_, err := strconv.ParseInt(v, 10, 64)
				isInt = err == nil
			}
			if isFloat {
				_, err := strconv.ParseFloat(v, 64)
				isFloat = err == nil
			}
			if isBool {
				_, ok := parseBool(v)
				isBool = ok
			}
			if isDate {
				_, ok := parseDate(v)
				isDate = ok
			}
			if !isInt && !isFloat && !isBool && !isDate {
				break
			}
		}
		switch {
		case !seen:
			types[col] = api.TypeText
		case isInt:
			types[col] = api.TypeInteger
		case isFloat:
			types[col] = api.TypeFloat
		case isBool:
			types[col] = api.TypeBoolean
		case isDate:
			types[col] = api.TypeDate
		default:
			types[col] = api.TypeText
		}
	}
	return types
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true", "t", "yes":
		return true, true
	case "false", "f", "no":
		return false, true
	}
	return false, false
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// convert turns a raw CSV field into the value stored for a column of type
// t. Empty fields are NULL; values that do not fit the inferred type are
// kept as text.
func convert(t api.ColumnType, raw string) any {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil
	}
	switch t {
	case api.TypeInteger:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	case api.TypeFloat:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	case api.TypeBoolean:
		if b, ok := parseBool(v); ok {
			if b {
				return int64(1)
			}
			return int64(0)
		}
	case api.TypeDate:
		if d, ok := parseDate(v); ok {
			if d.Hour() == 0 && d.Minute() == 0 && d.Second() == 0 {
				return d.Format(time.DateOnly)
			}
			return d.Format(time.RFC3339)
		}
	}
	return raw
}

// columnNames cleans a CSV header: blanks become column_N and repeats get
// a numeric suffix.
func columnNames(header []string) []string {
	names := make([]string, len(header))
	used := make(map[string]bool, len(header))
	for i, h := range header {
		name := strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		base := name
		for n := 2; used[strings.ToLower(name)]; n++ {
			name = fmt.Sprintf("%s_%d", base, n)
		}
		used[strings.ToLower(name)] = true
		names[i] = name
	}
	return names
}

// sqliteType is the declared column type used by the SQLite adapter.
func sqliteType(t api.ColumnType) string {
	switch t {
	case api.TypeInteger:
		return "INTEGER"
	case api.TypeFloat:
		return "REAL"
	case api.TypeBoolean:
		return "BOOLEAN"
	case api.TypeDate:
		return "DATE"
	default:
		return "TEXT"
	}
}
