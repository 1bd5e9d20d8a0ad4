package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/crucible/internal/vm"
)

// YAMLFormatter formats rows as YAML.
type YAMLFormatter struct{}

// FormatVM formats a single row as YAML.
func (f *YAMLFormatter) FormatVM(row vm.Row) (string, error) {
	data, err := yaml.Marshal(row)
	if err != nil {
		return "", fmt.Errorf("failed to marshal VM to YAML: %w", err)
	}

	return string(data), nil
}

// FormatVMList formats a list of rows as a YAML stream, one document per
// VM separated by ---.
func (f *YAMLFormatter) FormatVMList(rows []vm.Row) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}

	var buf bytes.Buffer

	for i, row := range rows {
		data, err := yaml.Marshal(row)
		if err != nil {
			return "", fmt.Errorf("failed to marshal VM %s to YAML: %w", row.Name, err)
		}

		if i > 0 {
			buf.WriteString("---\n")
		}

		buf.Write(data)
	}

	return buf.String(), nil
}
