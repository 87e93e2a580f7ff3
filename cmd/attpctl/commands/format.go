package commands

import (
	"encoding/json"
	"fmt"
	"os"
)

const formatJSON = "json"

// printJSON pretty-prints v as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
