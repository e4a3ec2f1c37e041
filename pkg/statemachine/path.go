package statemachine

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonpointer"
)

var (
	ErrInvalidPath = errors.New("invalid path")
	ErrPathMissing = errors.New("path not found")
)

var indexPattern = regexp.MustCompile(`\[(\d+)\]`)

// pointer converts a reference path such as $.order.items[0].id into a JSON pointer.
func pointer(path string) (string, error) {
	rest, ok := strings.CutPrefix(path, "$")
	if !ok {
		return "", fmt.Errorf("%w: %q must start with $", ErrInvalidPath, path)
	}

	if rest == "" {
		return "", nil
	}

	rest, ok = strings.CutPrefix(indexPattern.ReplaceAllString(rest, ".$1"), ".")
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	tokens := strings.Split(rest, ".")
	for i, token := range tokens {
		if token == "" {
			return "", fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}

		tokens[i] = strings.NewReplacer("~", "~0", "/", "~1").Replace(token)
	}

	return "/" + strings.Join(tokens, "/"), nil
}

// getPath reads path from a decoded JSON document.
func getPath(document any, path string) (any, error) {
	ref, err := pointer(path)
	if err != nil {
		return nil, err
	}

	if ref == "" {
		return document, nil
	}

	jsonPointer, err := gojsonpointer.NewJsonPointer(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPath, err)
	}

	value, _, err := jsonPointer.Get(document)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPathMissing, path)
	}

	return value, nil
}

// setPath returns a copy of document with value stored at path, creating
// intermediate objects. Only object segments are supported.
func setPath(document any, path string, value any) (any, error) {
	rest, ok := strings.CutPrefix(path, "$")
	if !ok {
		return nil, fmt.Errorf("%w: %q must start with $", ErrInvalidPath, path)
	}

	if rest == "" {
		return value, nil
	}

	rest, ok = strings.CutPrefix(rest, ".")
	if !ok || strings.Contains(rest, "[") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	return setSegments(document, strings.Split(rest, "."), value), nil
}

func setSegments(document any, segments []string, value any) any {
	current, _ := document.(map[string]any)

	updated := make(map[string]any, len(current)+1)
	for key, existing := range current {
		updated[key] = existing
	}

	if len(segments) == 1 {
		updated[segments[0]] = value
	} else {
		updated[segments[0]] = setSegments(current[segments[0]], segments[1:], value)
	}

	return updated
}
