// Package upstream is the HTTP client for the internal generation API. It
// sets the client identity headers, routes through an optional proxy and
// transparently decodes gzip response bodies.
package upstream

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// The upstream rejects requests that do not present the desktop client
// identity.
const (
	userAgent = "antigravity/1.11.3 windows/amd64"
)

// Request timeouts per endpoint class.
const (
	DefaultTimeout = 120 * time.Second
	ImageTimeout   = 300 * time.Second
	ModelsTimeout  = 30 * time.Second
)

// Client calls the internal generation endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Client for the given base URL. proxyURL may be empty; socks5
// and http(s) schemes are supported. Compression is negotiated manually so
// the gzip decode path is under our control for both buffered and streaming
// reads.
func New(baseURL, proxyURL string) *Client {
	transport := &http.Transport{DisableCompression: true}
	if proxyURL != "" {
		applyProxy(transport, proxyURL)
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Transport: transport},
	}
}

func applyProxy(transport *http.Transport, proxyURL string) {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		log.Errorf("upstream: invalid proxy url: %v", err)
		return
	}
	switch parsed.Scheme {
	case "socks5":
		var proxyAuth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			proxyAuth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", parsed.Host, proxyAuth, proxy.Direct)
		if errSOCKS5 != nil {
			log.Errorf("upstream: create SOCKS5 dialer failed: %v", errSOCKS5)
			return
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	default:
		log.Errorf("upstream: unsupported proxy scheme %q", parsed.Scheme)
	}
}

// Do posts a request body to the given endpoint suffix. The returned
// response body is already gzip-decoded when the upstream compressed it;
// the caller owns closing it.
func (c *Client) Do(ctx context.Context, suffix string, body []byte, accessToken string, timeout time.Duration) (*http.Response, error) {
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+suffix, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	if resp.Header.Get("Content-Encoding") == "gzip" {
		reader, errGzip := gzip.NewReader(resp.Body)
		if errGzip != nil {
			_ = resp.Body.Close()
			cancel()
			return nil, errGzip
		}
		resp.Body = &responseBody{reader: reader, underlying: resp.Body, cancel: cancel}
		resp.Header.Del("Content-Encoding")
	} else {
		resp.Body = &responseBody{reader: resp.Body, underlying: resp.Body, cancel: cancel}
	}
	return resp, nil
}

// responseBody reads through the decode layer and releases the request
// deadline when closed.
type responseBody struct {
	reader     io.Reader
	underlying io.ReadCloser
	cancel     context.CancelFunc
}

func (b *responseBody) Read(p []byte) (int, error) {
	return b.reader.Read(p)
}

func (b *responseBody) Close() error {
	defer b.cancel()
	var errReader error
	if closer, ok := b.reader.(io.Closer); ok && b.reader != io.Reader(b.underlying) {
		errReader = closer.Close()
	}
	if errBody := b.underlying.Close(); errBody != nil {
		return errBody
	}
	return errReader
}
