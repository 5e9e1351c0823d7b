package fieldmapping

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jmespath/go-jmespath"
)

const (
	splitToken     = "."
	indexOpenChar  = "["
	indexCloseChar = "]"
)

var errMalformedIndex = errors.New("malformed index key")

// extractor pulls one value out of an event's data object.
type extractor interface {
	extract(data map[string]any) (any, bool)
}

type pathExtractor struct {
	parts []string
}

func newPathExtractor(path string) pathExtractor {
	return pathExtractor{parts: strings.Split(strings.TrimSpace(path), splitToken)}
}

// extract walks "a.b[0].c" style paths through decoded JSON.
func (p pathExtractor) extract(data map[string]any) (any, bool) {
	var current any = data
	for _, part := range p.parts {
		key, index, err := parseIndex(part)
		if err != nil || (key == "" && index < 0) {
			return nil, false
		}

		if key != "" {
			obj, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			current, ok = obj[key]
			if !ok {
				return nil, false
			}
		}

		if index >= 0 {
			arr, ok := current.([]any)
			if !ok || index >= len(arr) {
				return nil, false
			}
			current = arr[index]
		}
	}
	return current, current != nil
}

func parseIndex(s string) (string, int, error) {
	start := strings.Index(s, indexOpenChar)
	end := strings.Index(s, indexCloseChar)

	if start == -1 && end == -1 {
		return s, -1, nil
	}
	if start == -1 || end == -1 || end < start || end != len(s)-1 {
		return "", -1, errMalformedIndex
	}

	index, err := strconv.Atoi(s[start+1 : end])
	if err != nil || index < 0 {
		return "", -1, errMalformedIndex
	}
	return s[:start], index, nil
}

type expressionExtractor struct {
	compiled *jmespath.JMESPath
}

func newExpressionExtractor(expression string) (expressionExtractor, error) {
	compiled, err := jmespath.Compile(expression)
	if err != nil {
		return expressionExtractor{}, err
	}
	return expressionExtractor{compiled: compiled}, nil
}

func (e expressionExtractor) extract(data map[string]any) (value any, ok bool) {
	// Expressions are tenant-supplied; a panic inside the evaluator is a missing value, not a crash.
	defer func() {
		if recover() != nil {
			value, ok = nil, false
		}
	}()

	result, err := e.compiled.Search(data)
	if err != nil || result == nil {
		return nil, false
	}
	return result, true
}

func newExtractor(path, expression string) (extractor, error) {
	if expression != "" {
		return newExpressionExtractor(expression)
	}
	return newPathExtractor(path), nil
}
