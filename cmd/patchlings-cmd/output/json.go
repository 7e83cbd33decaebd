package output

import "encoding/json"

// JSONFormatter produces JSON output.
type JSONFormatter struct{}

// Format writes a JSON representation of the result.
func (f *JSONFormatter) Format(w Writer, result *Result) error {
	out := map[string]any{
		"success": result.Success,
		"command": result.Command,
	}
	if result.Error != "" {
		out["error"] = result.Error
	}
	for k, v := range result.Data {
		out[k] = v
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
