package output

import (
	"encoding/json"
	"fmt"

	"github.com/jbweber/crucible/internal/vm"
)

// JSONFormatter formats rows as JSON.
type JSONFormatter struct{}

// FormatVM formats a single row as a JSON object.
func (f *JSONFormatter) FormatVM(row vm.Row) (string, error) {
	data, err := json.MarshalIndent(row, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal VM to JSON: %w", err)
	}

	return string(data) + "\n", nil
}

// FormatVMList formats a list of rows as a JSON array.
func (f *JSONFormatter) FormatVMList(rows []vm.Row) (string, error) {
	if len(rows) == 0 {
		return "[]\n", nil
	}

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal VMs to JSON: %w", err)
	}

	return string(data) + "\n", nil
}
