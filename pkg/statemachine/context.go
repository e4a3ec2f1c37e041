package statemachine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukex/flowrun/pkg/models"
)

// runContext is the persisted form of a run. Credentials are never part of it.
type runContext struct {
	Execution map[string]any `json:"Execution"`
	Input     any            `json:"Input"`
	State     stateContext   `json:"State"`
	History   []historyEntry `json:"History,omitempty"`
	Output    any            `json:"Output,omitempty"`
	Ended     bool           `json:"Ended,omitempty"`
	Failed    bool           `json:"Failed,omitempty"`
}

type stateContext struct {
	Name          string               `json:"Name"`
	Input         any                  `json:"Input"`
	EnteredTime   *time.Time           `json:"EnteredTime,omitempty"`
	WaitUntil     *time.Time           `json:"WaitUntil,omitempty"`
	RunnerContext models.RunnerContext `json:"RunnerContext,omitempty"`
}

type historyEntry struct {
	Name         string    `json:"Name"`
	Type         string    `json:"Type"`
	EnteredTime  time.Time `json:"EnteredTime"`
	FinishedTime time.Time `json:"FinishedTime"`
	Input        any       `json:"Input"`
	Output       any       `json:"Output"`
}

func decodeContext(data []byte) (*runContext, error) {
	var ctx runContext

	if len(data) == 0 {
		return &ctx, nil
	}

	err := json.Unmarshal(data, &ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to decode context: %w", err)
	}

	return &ctx, nil
}

// decodeValue turns raw JSON into the generic form paths operate on.
func decodeValue(data json.RawMessage) (any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}

	var value any

	err := json.Unmarshal(data, &value)
	if err != nil {
		return nil, err
	}

	return value, nil
}
