// Package statemachine interprets a subset of the step-function state language,
// advancing a run held in a serializable context.
package statemachine

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	StatePass    = "Pass"
	StateWait    = "Wait"
	StateSucceed = "Succeed"
	StateFail    = "Fail"
	StateTask    = "Task"
	StateChoice  = "Choice"
)

// Definition is a parsed state machine.
type Definition struct {
	Comment string            `json:"Comment,omitempty"`
	StartAt string            `json:"StartAt"`
	States  map[string]*State `json:"States"`
}

// State holds the fields of every supported state type.
type State struct {
	Type string `json:"Type"`
	Next string `json:"Next,omitempty"`
	End  bool   `json:"End,omitempty"`

	InputPath  OptionalPath `json:"InputPath"`
	OutputPath OptionalPath `json:"OutputPath"`
	ResultPath OptionalPath `json:"ResultPath"`

	Parameters map[string]any `json:"Parameters,omitempty"`

	// Pass
	Result any `json:"Result,omitempty"`

	// Wait
	Seconds       *float64 `json:"Seconds,omitempty"`
	SecondsPath   string   `json:"SecondsPath,omitempty"`
	Timestamp     string   `json:"Timestamp,omitempty"`
	TimestampPath string   `json:"TimestampPath,omitempty"`

	// Fail
	Error string `json:"Error,omitempty"`
	Cause string `json:"Cause,omitempty"`

	// Task
	Resource    string         `json:"Resource,omitempty"`
	Credentials map[string]any `json:"Credentials,omitempty"`
	Catch       []Catcher      `json:"Catch,omitempty"`

	// Choice
	Choices []ChoiceRule `json:"Choices,omitempty"`
	Default string       `json:"Default,omitempty"`
}

// Catcher routes a task failure to a recovery state.
type Catcher struct {
	ErrorEquals []string     `json:"ErrorEquals"`
	Next        string       `json:"Next"`
	ResultPath  OptionalPath `json:"ResultPath"`
}

// OptionalPath distinguishes an absent path (defaults to $) from an explicit null.
type OptionalPath struct {
	Set   bool
	Null  bool
	Value string
}

func (p *OptionalPath) UnmarshalJSON(data []byte) error {
	p.Set = true

	if bytes.Equal(data, []byte("null")) {
		p.Null = true

		return nil
	}

	return json.Unmarshal(data, &p.Value)
}

// Path returns the effective path; ok is false for an explicit null.
func (p OptionalPath) Path() (path string, ok bool) {
	if !p.Set {
		return "$", true
	}

	if p.Null {
		return "", false
	}

	return p.Value, true
}

// ParseDefinition validates a payload and checks that every transition targets a
// defined state.
func ParseDefinition(payload []byte) (*Definition, error) {
	err := ValidatePayload(payload)
	if err != nil {
		return nil, err
	}

	var definition Definition

	err = json.Unmarshal(payload, &definition)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	err = definition.checkTransitions()
	if err != nil {
		return nil, err
	}

	return &definition, nil
}

func (d *Definition) checkTransitions() error {
	exists := func(name string) bool {
		_, ok := d.States[name]

		return ok
	}

	if !exists(d.StartAt) {
		return fmt.Errorf("%w: StartAt %q is not a state", ErrInvalidDefinition, d.StartAt)
	}

	for name, state := range d.States {
		targets := make([]string, 0)

		switch state.Type {
		case StateSucceed, StateFail:
		case StateChoice:
			for _, choice := range state.Choices {
				targets = append(targets, choice.Next)
			}

			if state.Default != "" {
				targets = append(targets, state.Default)
			}
		default:
			if !state.End && state.Next == "" {
				return fmt.Errorf("%w: state %q needs Next or End", ErrInvalidDefinition, name)
			}

			if state.Next != "" {
				targets = append(targets, state.Next)
			}

			for _, catcher := range state.Catch {
				targets = append(targets, catcher.Next)
			}
		}

		for _, target := range targets {
			if !exists(target) {
				return fmt.Errorf("%w: state %q transitions to unknown state %q", ErrInvalidDefinition, name, target)
			}
		}
	}

	return nil
}
