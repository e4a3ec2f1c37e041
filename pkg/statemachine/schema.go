package statemachine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var ErrInvalidDefinition = errors.New("invalid state machine definition")

const definitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["StartAt", "States"],
  "properties": {
    "Comment": {"type": "string"},
    "StartAt": {"type": "string", "minLength": 1},
    "States": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["Type"],
        "properties": {
          "Type": {"enum": ["Pass", "Wait", "Succeed", "Fail", "Task", "Choice"]},
          "Next": {"type": "string"},
          "End": {"type": "boolean"},
          "Resource": {"type": "string"},
          "Seconds": {"type": "number", "minimum": 0},
          "SecondsPath": {"type": "string"},
          "Timestamp": {"type": "string", "format": "date-time"},
          "TimestampPath": {"type": "string"},
          "InputPath": {"type": ["string", "null"]},
          "OutputPath": {"type": ["string", "null"]},
          "ResultPath": {"type": ["string", "null"]},
          "Parameters": {"type": "object"},
          "Credentials": {"type": "object"},
          "Error": {"type": "string"},
          "Cause": {"type": "string"},
          "Default": {"type": "string"},
          "Choices": {"type": "array", "items": {"type": "object"}},
          "Catch": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["ErrorEquals", "Next"],
              "properties": {
                "ErrorEquals": {"type": "array", "items": {"type": "string"}, "minItems": 1},
                "Next": {"type": "string"},
                "ResultPath": {"type": ["string", "null"]}
              }
            }
          }
        },
        "allOf": [
          {"if": {"properties": {"Type": {"const": "Task"}}}, "then": {"required": ["Resource"]}},
          {"if": {"properties": {"Type": {"const": "Choice"}}}, "then": {"required": ["Choices"]}}
        ]
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(definitionSchema)

// ValidatePayload checks a definition payload against the definition schema.
func ValidatePayload(payload []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, problem := range result.Errors() {
		problems = append(problems, problem.String())
	}

	return fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(problems, "; "))
}
