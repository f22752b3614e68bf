package output

import (
	"encoding/json"
	"io"
)

// JSONPrinter prints indented JSON.
type JSONPrinter struct {
	Out io.Writer
}

// Print renders JSON output.
func (p JSONPrinter) Print(v any) error {
	enc := json.NewEncoder(writerOr(p.Out))
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
