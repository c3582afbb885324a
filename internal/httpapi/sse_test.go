package httpapi

import (
	"strings"
	"testing"

	"chatd/internal/live"
)

func TestWriteSSESingleLine(t *testing.T) {
	var b strings.Builder
	if err := writeSSE(&b, live.Event{Name: "message", Data: "<li>hi</li>"}); err != nil {
		t.Fatalf("writeSSE: %v", err)
	}
	want := "event: message\ndata: <li>hi</li>\n\n"
	if b.String() != want {
		t.Fatalf("frame %q, want %q", b.String(), want)
	}
}

func TestWriteSSEMultiLine(t *testing.T) {
	var b strings.Builder
	if err := writeSSE(&b, live.Event{Name: "message", Data: "one\ntwo\nthree"}); err != nil {
		t.Fatalf("writeSSE: %v", err)
	}
	want := "event: message\ndata: one\ndata: two\ndata: three\n\n"
	if b.String() != want {
		t.Fatalf("frame %q, want %q", b.String(), want)
	}
}
