// Package directory is the HTTP client posting extracted payjoin
// requests to their target: sealed payloads go to the OHTTP relay,
// plain v1 requests straight to the receiver endpoint.
package directory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/payjoinlabs/payjoind/internal/core/ports"
	"github.com/payjoinlabs/payjoind/pkg/payjoin"
)

const maxResponseSize = 1 << 20 // 1 MiB

type client struct {
	httpClient *http.Client
}

func NewClient(timeout time.Duration) ports.DirectoryClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *client) Post(ctx context.Context, req payjoin.Request) ([]byte, error) {
	if req.URL == nil {
		return nil, fmt.Errorf("missing request url")
	}

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, req.URL.String(), bytes.NewReader(req.Body),
	)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", req.ContentType)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, &payjoin.TransportError{
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
	}
	return body, nil
}
