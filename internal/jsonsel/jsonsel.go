// Package jsonsel narrows structured command output with a JSONPath
// selector, e.g. `$.columns[?(@.missing > 0)].name`.
package jsonsel

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// Select returns the values of v matched by selector. v is first brought
// into its generic JSON form so that struct tags decide the field names.
func Select(v any, selector string) ([]any, error) {
	x, err := jp.ParseString(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid jsonpath '%s': %w", selector, err)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	data, err := oj.ParseString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return x.Get(data), nil
}

// Write prints v, or only the values matched by selector, as indented JSON.
// A single match is printed bare; several are printed as an array.
func Write(w io.Writer, v any, selector string) error {
	out := v
	if selector != "" {
		matches, err := Select(v, selector)
		if err != nil {
			return err
		}
		if len(matches) == 1 {
			out = matches[0]
		} else {
			out = matches
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
