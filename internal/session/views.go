package session

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/agentic-research/tabula/api"
	"github.com/agentic-research/tabula/internal/engine"
	"github.com/agentic-research/tabula/internal/errs"
	"github.com/agentic-research/tabula/internal/sqlref"
)

// expandViews makes saved views queryable by name. Every view that query
// reads, directly or through another view, becomes a common table
// expression in front of it, dependencies first. A dataset table shadows a
// view of the same name.
func (s *Session) expandViews(ctx context.Context, query string, datasets []string) (string, error) {
	if s.views == nil {
		return query, nil
	}
	list, err := s.views.List(ctx)
	if err != nil {
		return "", errs.Wrap(errs.Internal, "list views", err)
	}
	shadowed := make(map[string]bool, len(datasets))
	for _, id := range datasets {
		shadowed[strings.ToLower(id)] = true
	}
	var names []string
	for _, v := range list {
		if !shadowed[strings.ToLower(v.Name)] {
			names = append(names, v.Name)
		}
	}
	if len(names) == 0 {
		return query, nil
	}

	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int)
	var order []api.View
	var visit func(sql string) error
	visit = func(sql string) error {
		for _, name := range sqlref.References(ctx, sql, names) {
			switch state[name] {
			case done:
				continue
			case visiting:
				return errs.Newf(errs.InvalidRequest, "view %q depends on itself", name)
			}
			state[name] = visiting
			v, err := s.views.Load(ctx, name)
			if err != nil {
				return err
			}
			if err := visit(v.SQL); err != nil {
				return err
			}
			state[name] = done
			order = append(order, v)
		}
		return nil
	}
	if err := visit(query); err != nil {
		return "", err
	}
	if len(order) == 0 {
		return query, nil
	}

	defs := make([]string, len(order))
	for i, v := range order {
		defs[i] = fmt.Sprintf("%s AS (%s)", engine.QuoteIdent(v.Name), statement(v.SQL))
	}
	return prependWith(strings.Join(defs, ", "), query), nil
}

// statement strips the whitespace and trailing semicolons around sql.
func statement(sql string) string {
	return strings.TrimRightFunc(strings.TrimSpace(sql), func(r rune) bool {
		return r == ';' || unicode.IsSpace(r)
	})
}

// prependWith adds defs to the WITH clause of query, opening one if the
// query has none.
func prependWith(defs, query string) string {
	q := strings.TrimSpace(query)
	if rest, ok := cutKeyword(q, "WITH"); ok {
		if tail, ok := cutKeyword(rest, "RECURSIVE"); ok {
			return "WITH RECURSIVE " + defs + ", " + tail
		}
		return "WITH " + defs + ", " + rest
	}
	return "WITH " + defs + " " + q
}

// cutKeyword removes a leading keyword followed by whitespace.
func cutKeyword(s, kw string) (string, bool) {
	if len(s) <= len(kw) || !strings.EqualFold(s[:len(kw)], kw) || !unicode.IsSpace(rune(s[len(kw)])) {
		return s, false
	}
	return strings.TrimSpace(s[len(kw):]), true
}
