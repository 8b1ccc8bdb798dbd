// Package attrpath evaluates JMESPath expressions against identity-provider
// claim documents.
package attrpath

import (
	"fmt"
	"strings"

	"github.com/jmespath/go-jmespath"
)

// Expression is a compiled attribute path. It is safe for concurrent use.
type Expression struct {
	source string
	query  *jmespath.JMESPath
}

// Compile parses an attribute path. A malformed path is reported here so
// callers can refuse to start with a bad configuration.
func Compile(path string) (*Expression, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("attribute path is empty")
	}
	q, err := jmespath.Compile(path)
	if err != nil {
		return nil, fmt.Errorf("compile attribute path %q: %w", path, err)
	}
	return &Expression{source: path, query: q}, nil
}

// MustCompile is like Compile but panics on error. It is meant for
// package-level expressions built from constants.
func MustCompile(path string) *Expression {
	e, err := Compile(path)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the source of the expression.
func (e *Expression) String() string { return e.source }

// Search evaluates the expression against doc. Missing members and runtime
// type errors (for example contains() over an absent array) yield null.
func (e *Expression) Search(doc Value) (result Value) {
	defer func() {
		if recover() != nil {
			result = Null
		}
	}()
	out, err := e.query.Search(doc.Interface())
	if err != nil {
		return Null
	}
	return FromAny(out)
}

// SearchString evaluates the expression and returns the result when it is a
// string.
func (e *Expression) SearchString(doc Value) (string, bool) {
	return e.Search(doc).AsString()
}
