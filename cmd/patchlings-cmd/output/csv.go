package output

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"
)

// CSVFormatter produces CSV output: a header row plus one data row.
type CSVFormatter struct{}

// Format writes a single result as CSV (header + one row).
func (f *CSVFormatter) Format(w Writer, result *Result) error {
	dataKeys := make([]string, 0, len(result.Data))
	for k := range result.Data {
		dataKeys = append(dataKeys, k)
	}
	sort.Strings(dataKeys)

	header := append([]string{"success", "command", "error"}, dataKeys...)

	var sb strings.Builder
	cw := csv.NewWriter(&sb)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write CSV header: %w", err)
	}

	row := []string{fmt.Sprintf("%t", result.Success), result.Command, result.Error}
	for _, k := range dataKeys {
		row = append(row, fmt.Sprintf("%v", result.Data[k]))
	}
	if err := cw.Write(row); err != nil {
		return fmt.Errorf("write CSV row: %w", err)
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}

	_, err := io.WriteString(w.(io.Writer), sb.String())
	return err
}
