package session

import (
	"fmt"
	"path/filepath"
	"strings"
)

// tableName derives a SQL-safe identifier from a file path or a requested
// name: everything outside [A-Za-z0-9_] becomes '_', and a leading digit
// gets a "t_" prefix.
func tableName(path, requested string) string {
	base := requested
	if base == "" {
		base = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" {
		name = "t"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "t_" + name
	}
	return name
}

// uniqueName appends _1, _2, ... until taken reports false. Comparison is
// case-insensitive because SQL identifiers are.
func uniqueName(name string, taken func(string) bool) string {
	if !taken(strings.ToLower(name)) {
		return name
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d", name, i)
		if !taken(strings.ToLower(candidate)) {
			return candidate
		}
	}
}
