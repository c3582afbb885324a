package httpapi

import (
	"io"
	"strings"

	"chatd/internal/live"
)

// writeSSE frames one event for the wire. Multi-line payloads become one
// data: line each, per the SSE spec.
func writeSSE(w io.Writer, ev live.Event) error {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(ev.Name)
	b.WriteByte('\n')
	for _, line := range strings.Split(ev.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}
