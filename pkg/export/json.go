package export

import (
	"encoding/json"
	"fmt"
)

// JSONGenerator handles JSON export generation.
type JSONGenerator struct{}

// NewJSONGenerator creates a new JSON generator.
func NewJSONGenerator() *JSONGenerator {
	return &JSONGenerator{}
}

// Generate marshals the report verbatim. Nothing is summarised away, so a
// JSON export round-trips every captured byte that was not truncated at
// capture time.
func (g *JSONGenerator) Generate(report *Report) ([]byte, string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("marshal export report: %w", err)
	}
	return data, "application/json", nil
}
