package utils

import (
	"encoding/json"
	"fmt"
)

// PrettyPrint returns a pretty-printed JSON string
func PrettyPrint(data interface{}) (string, error) {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(bytes), nil
}
