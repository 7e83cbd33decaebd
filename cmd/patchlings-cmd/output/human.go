package output

import (
	"fmt"
	"sort"
	"strings"
)

// HumanFormatter produces human-readable output.
type HumanFormatter struct{}

// Format writes a human-readable representation of the result.
func (h *HumanFormatter) Format(w Writer, result *Result) error {
	var sb strings.Builder

	if result.Success {
		sb.WriteString(fmt.Sprintf("[OK] %s\n", result.Command))
	} else {
		sb.WriteString(fmt.Sprintf("[Error] %s\n", result.Command))
		if result.Error != "" {
			sb.WriteString(fmt.Sprintf("   Error: %s\n", result.Error))
		}
	}

	keys := make([]string, 0, len(result.Data))
	for k := range result.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("   %s: %v\n", k, result.Data[k]))
	}

	_, err := w.Write([]byte(sb.String()))
	return err
}
