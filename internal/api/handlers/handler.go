// Package handlers implements the gateway HTTP endpoints: the OpenAI chat
// completions and model list surface, the Gemini native passthrough and the
// health probe. Handlers check out an account, ensure a fresh token, call
// upstream with a single forced-refresh retry on auth rejection and reshape
// the responses for the client.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/cetaceang/antigravity2api/internal/config"
	"github.com/cetaceang/antigravity2api/internal/imagestore"
	"github.com/cetaceang/antigravity2api/internal/interfaces"
	"github.com/cetaceang/antigravity2api/internal/pool"
	"github.com/cetaceang/antigravity2api/internal/translator/antigravity"
	"github.com/cetaceang/antigravity2api/internal/upstream"
)

// Handler carries the shared dependencies of all endpoints.
type Handler struct {
	cfg       *config.Config
	pool      *pool.Manager
	converter *antigravity.Converter
	images    *imagestore.Store
	client    *upstream.Client
}

// New builds a Handler.
func New(cfg *config.Config, accounts *pool.Manager, converter *antigravity.Converter, images *imagestore.Store, client *upstream.Client) *Handler {
	return &Handler{
		cfg:       cfg,
		pool:      accounts,
		converter: converter,
		images:    images,
		client:    client,
	}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "antigravity2api"})
}

// callWithAuthRetry posts to upstream with the account's token. A 401/403
// triggers one forced token refresh and a retry; a second rejection disables
// the account permanently. Any returned response may still carry a non-200
// status for the caller to map.
func (h *Handler) callWithAuthRetry(ctx context.Context, suffix string, body []byte, account *pool.Account, timeout time.Duration) (*http.Response, error) {
	token, err := h.pool.EnsureFresh(ctx, account)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(ctx, suffix, body, token, timeout)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
		return resp, nil
	}

	_ = resp.Body.Close()
	log.WithFields(log.Fields{"project": account.ProjectID, "status": resp.StatusCode}).Warn("upstream auth error, refreshing token")
	token, err = h.pool.HandleAuthFailure(ctx, account)
	if err != nil {
		return nil, err
	}

	retry, err := h.client.Do(ctx, suffix, body, token, timeout)
	if err != nil {
		return nil, transportError(err)
	}
	if retry.StatusCode == http.StatusUnauthorized || retry.StatusCode == http.StatusForbidden {
		h.pool.Disable(account, fmt.Sprintf("auth failed after token refresh: %d", retry.StatusCode))
	}
	return retry, nil
}

func transportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return interfaces.NewStatusError(http.StatusGatewayTimeout, interfaces.ErrorTypeUnavailable, "upstream request timeout")
	}
	return interfaces.NewStatusError(http.StatusBadGateway, interfaces.ErrorTypeUnavailable, err.Error())
}

// upstreamFailure drains an error response and maps it onto the taxonomy.
func upstreamFailure(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	log.WithFields(log.Fields{"status": resp.StatusCode}).Errorf("upstream error: %s", body)
	return interfaces.FromUpstreamStatus(resp.StatusCode, string(body))
}

// writeError renders an error in the OpenAI error envelope.
func writeError(c *gin.Context, err error) {
	var statusErr *interfaces.StatusError
	if !errors.As(err, &statusErr) {
		statusErr = interfaces.NewStatusError(http.StatusInternalServerError, interfaces.ErrorTypeUnavailable, err.Error())
	}
	c.JSON(statusErr.Code, gin.H{
		"error": gin.H{
			"message": statusErr.Message,
			"type":    string(statusErr.Type),
			"code":    statusErr.Code,
		},
	})
}

// imageBaseURL resolves the public base for image links: the configured
// value when present, otherwise the scheme and host of the request.
func (h *Handler) imageBaseURL(c *gin.Context) string {
	if configured := strings.TrimSpace(h.cfg.ImageBaseURL()); configured != "" {
		return strings.TrimRight(configured, "/")
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}

// requestImageSaver binds the shared store to the per-request base URL.
type requestImageSaver struct {
	store *imagestore.Store
	base  string
}

func (s requestImageSaver) SaveBase64(data, mimeType string) (string, error) {
	filename, err := s.store.SaveBase64(data, mimeType)
	if err != nil {
		return "", err
	}
	if s.base == "" {
		return "/images/" + filename, nil
	}
	return s.base + "/images/" + filename, nil
}
