// Package sqlref finds which dataset tables a SQL text mentions. It is used
// to keep a dataset loaded while a job reads it, so it errs on the side of
// reporting a reference: any identifier token equal to a table name counts.
package sqlref

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	sqllang "github.com/smacker/go-tree-sitter/sql"
)

// SyntaxError locates the first parse error in a SQL text.
type SyntaxError struct {
	Line   uint32 // 0-indexed
	Column uint32 // 0-indexed
	Near   string
}

func (e *SyntaxError) Error() string {
	if e.Near != "" {
		return fmt.Sprintf("%d:%d: syntax error near %q", e.Line+1, e.Column+1, e.Near)
	}
	return fmt.Sprintf("%d:%d: syntax error", e.Line+1, e.Column+1)
}

func parse(ctx context.Context, src []byte) (*sitter.Node, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(sqllang.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse: %w", err)
	}
	root := tree.RootNode()
	if root == nil {
		return nil, fmt.Errorf("tree-sitter returned nil root")
	}
	return root, nil
}

// References returns the entries of tables that query mentions, in the
// order of tables. Matching ignores case and identifier quoting. Tokens
// inside string literals and comments are not references.
func References(ctx context.Context, query string, tables []string) []string {
	if len(tables) == 0 || strings.TrimSpace(query) == "" {
		return nil
	}
	byName := make(map[string]string, len(tables))
	for _, t := range tables {
		byName[strings.ToLower(t)] = t
	}

	src := []byte(query)
	seen := make(map[string]bool)
	root, err := parse(ctx, src)
	if err != nil {
		// fall back to plain tokens so a parser failure never hides a reference
		for _, tok := range strings.FieldsFunc(query, isSeparator) {
			match(tok, byName, seen)
		}
	} else {
		walkLeaves(root, src, func(n *sitter.Node) {
			match(n.Content(src), byName, seen)
		})
	}

	var out []string
	for _, t := range tables {
		if seen[t] {
			out = append(out, t)
			seen[t] = false
		}
	}
	return out
}

func match(tok string, byName map[string]string, seen map[string]bool) {
	for _, part := range strings.Split(tok, ".") {
		part = strings.Trim(part, "\"`[]")
		if name, ok := byName[strings.ToLower(part)]; ok {
			seen[name] = true
		}
	}
}

func isSeparator(r rune) bool {
	switch {
	case r == '_' || r == '"' || r == '`' || r == '.':
		return false
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return true
}

// walkLeaves visits every leaf outside single-quoted literals and comments.
func walkLeaves(node *sitter.Node, src []byte, fn func(*sitter.Node)) {
	switch t := node.Type(); {
	case t == "comment" || t == "marginalia":
		return
	case strings.Contains(t, "literal") || strings.Contains(t, "string"):
		if strings.HasPrefix(node.Content(src), "'") {
			return
		}
	}
	count := int(node.ChildCount())
	if count == 0 {
		fn(node)
		return
	}
	for i := 0; i < count; i++ {
		walkLeaves(node.Child(i), src, fn)
	}
}

// Check reports the first syntax error tree-sitter finds, or nil. The
// grammar is generic SQL, so engine-specific syntax may be flagged; callers
// treat the result as a hint.
func Check(ctx context.Context, query string) error {
	src := []byte(query)
	root, err := parse(ctx, src)
	if err != nil {
		return err
	}
	if !root.HasError() {
		return nil
	}
	if n := findFirstError(root); n != nil {
		near := n.Content(src)
		if len(near) > 32 {
			near = near[:32]
		}
		return &SyntaxError{Line: n.StartPoint().Row, Column: n.StartPoint().Column, Near: near}
	}
	return &SyntaxError{}
}

func findFirstError(node *sitter.Node) *sitter.Node {
	if node.IsError() || node.IsMissing() {
		return node
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.HasError() || child.IsError() || child.IsMissing() {
			if found := findFirstError(child); found != nil {
				return found
			}
		}
	}
	return nil
}
