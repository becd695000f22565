// Package sse provides the line-oriented SSE scanning loop shared by every
// streaming provider client (spec.md §4.7's "wire is SSE-shaped"). It
// mirrors the scanner-over-"data:" pattern found in hand-rolled proxy
// handlers across the ecosystem: skip blanks and comments, strip the
// "data:" prefix, stop at "[DONE]".
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Each calls fn once per "data:" payload found in r, in arrival order.
// fn returning an error stops the scan and is returned to the caller. A
// payload of exactly "[DONE]" ends the scan without calling fn.
func Each(r io.Reader, fn func(data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			return nil
		}
		if err := fn(data); err != nil {
			return err
		}
	}
	return scanner.Err()
}
