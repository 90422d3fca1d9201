package mcp

import (
	"fmt"

	"github.com/datagen24/dshield-mcp-sub002/internal/rpcerr"
)

// validateArgs checks args against schema's required fields, declared
// types, and enum constraints, returning a VALIDATION_ERROR with per-field
// detail on the first pass of failures found (spec.md §4.8 step 4).
func validateArgs(schema InputSchema, args map[string]any) *rpcerr.Error {
	fields := make(map[string]string)

	for _, req := range schema.Required {
		if _, ok := args[req]; !ok {
			fields[req] = "required field missing"
		}
	}

	for name, value := range args {
		prop, known := schema.Properties[name]
		if !known {
			fields[name] = "unrecognized field"
			continue
		}
		if msg := typeMismatch(prop, value); msg != "" {
			fields[name] = msg
			continue
		}
		if len(prop.Enum) > 0 {
			if str, ok := value.(string); ok && !containsString(prop.Enum, str) {
				fields[name] = fmt.Sprintf("must be one of %v", prop.Enum)
			}
		}
	}

	if len(fields) == 0 {
		return nil
	}
	return rpcerr.NewValidation("argument validation failed", fields)
}

func typeMismatch(prop PropertySchema, value any) string {
	switch prop.Type {
	case "string":
		if _, ok := value.(string); !ok {
			return "expected string"
		}
	case "number", "integer":
		switch value.(type) {
		case float64, int, int64:
		default:
			return "expected number"
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return "expected boolean"
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return "expected array"
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return "expected object"
		}
	}
	return ""
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
