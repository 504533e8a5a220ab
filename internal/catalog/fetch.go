package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultSourceURL is the published network datagram config feed.
	DefaultSourceURL = "https://raw.githubusercontent.com/SteamDatabase/SteamTracking/master/Random/NetworkDatagramConfig.json"

	fetchMaxRetries = 3
	fetchRetryDelay = 5 * time.Second
)

// Fetch downloads the datagram config to path, retrying transient
// failures. The file is written atomically via a temp file so a
// failed download never clobbers a usable cached copy.
func Fetch(ctx context.Context, url, path string) error {
	if url == "" {
		url = DefaultSourceURL
	}
	client := &http.Client{Timeout: time.Minute}

	var lastErr error
	for attempt := 1; attempt <= fetchMaxRetries; attempt++ {
		if attempt > 1 {
			slog.Warn("Datagram config download failed, retrying", "attempt", attempt, "error", lastErr)
			select {
			case <-time.After(fetchRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = fetchOnce(ctx, client, url, path); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("download datagram config: %w", lastErr)
}

func fetchOnce(ctx context.Context, client *http.Client, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".datagram-config-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
