package shell

import (
	"sort"
	"strings"
	"unicode"
)

var keywords = []string{
	"SELECT", "FROM", "WHERE", "AND", "OR", "NOT", "IN", "LIKE", "BETWEEN",
	"IS", "NULL", "AS", "DISTINCT", "ALL", "LIMIT", "OFFSET",
	"ORDER", "BY", "ASC", "DESC", "GROUP", "HAVING",
	"JOIN", "LEFT", "RIGHT", "INNER", "OUTER", "FULL", "CROSS", "ON",
	"UNION", "EXCEPT", "INTERSECT",
	"CASE", "WHEN", "THEN", "ELSE", "END",
	"EXISTS", "TRUE", "FALSE", "WITH", "RECURSIVE",
	"OVER", "PARTITION", "ROW_NUMBER", "RANK", "DENSE_RANK", "LAG", "LEAD",
}

var functions = []string{
	"COUNT(", "SUM(", "AVG(", "MIN(", "MAX(", "TOTAL(",
	"GROUP_CONCAT(", "MEDIAN(", "STDDEV(", "VARIANCE(",
	"ABS(", "ROUND(", "FLOOR(", "CEIL(", "SQRT(", "POWER(",
	"LENGTH(", "LOWER(", "UPPER(", "TRIM(", "SUBSTR(", "REPLACE(",
	"CAST(", "COALESCE(", "NULLIF(", "IFNULL(", "TYPEOF(",
	"DATE(", "DATETIME(", "STRFTIME(", "QUANTILE_CONT(",
}

var commands = []string{
	".analyze", ".datasets", ".delete", ".export", ".help", ".limit", ".load",
	".quit", ".recent", ".save", ".schema", ".unload", ".use", ".view", ".views",
}

// completer holds the words offered on tab: SQL vocabulary plus the names
// of loaded datasets and their columns.
type completer struct {
	names []string
}

func (c *completer) setNames(names []string) {
	seen := map[string]bool{}
	out := names[:0:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	c.names = out
}

// complete implements liner.WordCompleter on the word left of pos.
func (c *completer) complete(line string, pos int) (head string, completions []string, tail string) {
	if pos > len(line) {
		pos = len(line)
	}
	start := pos
	for start > 0 {
		r := rune(line[start-1])
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.') {
			break
		}
		start--
	}
	head, word, tail := line[:start], line[start:pos], line[pos:]
	if word == "" {
		return head, nil, tail
	}

	if start == 0 && strings.HasPrefix(word, ".") {
		return head, prefixed(commands, word, false), tail
	}
	var out []string
	out = append(out, prefixed(c.names, word, false)...)
	lower := strings.ToLower(word) == word
	out = append(out, prefixed(keywords, word, lower)...)
	out = append(out, prefixed(functions, word, lower)...)
	return head, out, tail
}

// prefixed returns the candidates starting with word, case-insensitively.
// With lower set the candidates are offered in lower case.
func prefixed(candidates []string, word string, lower bool) []string {
	var out []string
	w := strings.ToLower(word)
	for _, c := range candidates {
		if strings.HasPrefix(strings.ToLower(c), w) {
			if lower {
				c = strings.ToLower(c)
			}
			out = append(out, c)
		}
	}
	return out
}
