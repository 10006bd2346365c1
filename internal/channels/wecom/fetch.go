// Package wecom implements the WeCom (企业微信) channel: the outbound corp
// API client, the Bot and Application webhook handlers, and the agent
// driver that bridges flushed message batches to the agent runtime.
package wecom

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const defaultHTTPTimeout = 15 * time.Second

// ErrBodyTooLarge is returned when a response body crosses the caller's
// byte cap.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// Fetcher issues all outbound HTTP for the channel. Clients are cached per
// egress proxy URL so transports and their connection pools are reused;
// the empty proxy key is the direct client.
type Fetcher struct {
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*http.Client
}

func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &Fetcher{timeout: timeout, clients: make(map[string]*http.Client)}
}

func (f *Fetcher) client(proxyURL string) (*http.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[proxyURL]; ok {
		return c, nil
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("egress proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	c := &http.Client{Transport: transport, Timeout: f.timeout}
	f.clients[proxyURL] = c
	return c, nil
}

// Do sends the request through the client for proxyURL ("" = direct).
func (f *Fetcher) Do(req *http.Request, proxyURL string) (*http.Response, error) {
	c, err := f.client(proxyURL)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// ReadCapped streams r up to max bytes, aborting with ErrBodyTooLarge once
// the limit is crossed so oversized downloads never buffer their tail.
// max <= 0 means unlimited.
func ReadCapped(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, max)
	}
	return data, nil
}
