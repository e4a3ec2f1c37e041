package statemachine

import (
	"errors"
	"fmt"
)

var ErrNoChoiceMatched = errors.New("no choice rule matched")

// ChoiceRule compares the value at Variable with one operand.
type ChoiceRule struct {
	Variable           string   `json:"Variable"`
	StringEquals       *string  `json:"StringEquals,omitempty"`
	NumericEquals      *float64 `json:"NumericEquals,omitempty"`
	NumericGreaterThan *float64 `json:"NumericGreaterThan,omitempty"`
	NumericLessThan    *float64 `json:"NumericLessThan,omitempty"`
	BooleanEquals      *bool    `json:"BooleanEquals,omitempty"`
	Next               string   `json:"Next"`
}

func (r ChoiceRule) matches(input any) (bool, error) {
	value, err := getPath(input, r.Variable)
	if errors.Is(err, ErrPathMissing) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	switch {
	case r.StringEquals != nil:
		s, ok := value.(string)

		return ok && s == *r.StringEquals, nil
	case r.BooleanEquals != nil:
		b, ok := value.(bool)

		return ok && b == *r.BooleanEquals, nil
	case r.NumericEquals != nil:
		n, ok := value.(float64)

		return ok && n == *r.NumericEquals, nil
	case r.NumericGreaterThan != nil:
		n, ok := value.(float64)

		return ok && n > *r.NumericGreaterThan, nil
	case r.NumericLessThan != nil:
		n, ok := value.(float64)

		return ok && n < *r.NumericLessThan, nil
	default:
		return false, fmt.Errorf("%w: choice on %s has no comparison", ErrInvalidDefinition, r.Variable)
	}
}

// choose returns the next state for input.
func choose(state *State, input any) (string, error) {
	for _, rule := range state.Choices {
		matched, err := rule.matches(input)
		if err != nil {
			return "", err
		}

		if matched {
			return rule.Next, nil
		}
	}

	if state.Default != "" {
		return state.Default, nil
	}

	return "", ErrNoChoiceMatched
}
