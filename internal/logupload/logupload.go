// Package logupload streams a rolled log file to a portal-issued signed
// URL. It implements the SignedLogUrl side effect of the control-plane
// reducer (spec.md §4.1): roll the active log, gzip it, and PUT it to the
// URL the portal handed us — logging and dropping on failure rather than
// retrying, per the background-work policy in spec.md §5.
package logupload

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
)

// Upload gzip-streams r's contents to url via HTTP PUT, tagged the way the
// portal's log ingestion endpoint expects: a plain-text body, gzip encoded.
// The request is built around an io.Pipe so the gzip writer never needs to
// buffer the whole log file in memory.
func Upload(ctx context.Context, client *http.Client, url string, r io.Reader) error {
	pr, pw := io.Pipe()

	go func() {
		gw := gzip.NewWriter(pw)
		if _, err := io.Copy(gw, r); err != nil {
			_ = gw.Close()
			_ = pw.CloseWithError(fmt.Errorf("gzip compressing log upload: %w", err))
			return
		}
		if err := gw.Close(); err != nil {
			_ = pw.CloseWithError(fmt.Errorf("closing gzip stream: %w", err))
			return
		}
		_ = pw.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, pr)
	if err != nil {
		return fmt.Errorf("building log upload request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("uploading log: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("log upload rejected: status %d: %s", resp.StatusCode, body)
	}
	return nil
}
