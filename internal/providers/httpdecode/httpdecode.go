// Package httpdecode transparently decompresses an upstream response body
// by its Content-Encoding header, the way a hand-rolled reverse proxy does
// before re-framing the body for its own callers (spec.md §4.7 — upstream
// responses may arrive gzip- or brotli-encoded even though none of the
// providers this router talks to ask for it explicitly via Accept-Encoding,
// since some self-hosted OpenAI-wire endpoints compress by default).
package httpdecode

import (
	"compress/gzip"
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
)

// Reader returns a reader over resp.Body with gzip/br decompression applied
// per Content-Encoding; any other (or absent) encoding passes the body
// through untouched. Callers remain responsible for closing resp.Body.
func Reader(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}
