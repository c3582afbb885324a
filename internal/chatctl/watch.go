package chatctl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
)

// runWatch consumes the SSE stream like a browser would and prints frames
// until interrupted.
func runWatch(ctx context.Context, cfg *Config, serverID, channelID string, out io.Writer) error {
	if cfg.UserID == "" {
		return fmt.Errorf("--user is required")
	}
	url := fmt.Sprintf("%s/servers/%s/channels/%s/messages/events", cfg.Addr, serverID, channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-User-Id", cfg.UserID)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("stream rejected: %s: %s", resp.Status, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Fprintln(out, scanner.Text())
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// runHealth reports both health endpoints.
func runHealth(ctx context.Context, cfg *Config, out io.Writer) error {
	for _, path := range []string{"/healthz", "/readyz"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Addr+path, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		resp.Body.Close()
		fmt.Fprintf(out, "%s: %s %s\n", path, resp.Status, body)
	}
	return nil
}
