package output

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"

	"github.com/jbweber/crucible/internal/vm"
)

// TableFormatter formats rows as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatVM formats a single row as a table.
func (f *TableFormatter) FormatVM(row vm.Row) (string, error) {
	return f.FormatVMList([]vm.Row{row})
}

// FormatVMList formats a list of rows as a table.
func (f *TableFormatter) FormatVMList(rows []vm.Row) (string, error) {
	if len(rows) == 0 {
		return "No VMs found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tSTATE\tACTIVITY\tLOCKED BY\tSINCE\tID")
	}

	for _, row := range rows {
		name := row.Name
		if name == "" {
			name = "-"
		}
		state := string(row.State)
		if state == "" {
			state = "-"
		}

		activity := "-"
		if len(row.Activities) > 0 {
			activity = strings.Join(row.Activities, ",")
		}

		owner := "-"
		if row.LockOwner != "" {
			owner = string(row.LockOwner)
		}

		since := "-"
		if !row.Since.IsZero() {
			since = formatAge(time.Since(row.Since))
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			name, state, activity, owner, since, row.ID)
	}

	_ = w.Flush()
	return buf.String(), nil
}

// formatAge formats a duration as a human-readable age string, such as
// "5 minutes" or "3 days".
func formatAge(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}
	return units.HumanDuration(d)
}
