package reporting

import (
	"encoding/json"
	"fmt"
)

// formatJSON converts a Report to pretty-printed JSON
func formatJSON(report *Report) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return string(data), nil
}
