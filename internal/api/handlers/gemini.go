package handlers

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/cetaceang/antigravity2api/internal/interfaces"
	"github.com/cetaceang/antigravity2api/internal/logging"
	"github.com/cetaceang/antigravity2api/internal/pool"
	"github.com/cetaceang/antigravity2api/internal/translator/antigravity"
	"github.com/cetaceang/antigravity2api/internal/upstream"
)

// GeminiGenerate serves the native Gemini surface, POST
// /v1/models/{model}:generateContent and :streamGenerateContent (and the
// /v1beta twins). The body is wrapped into the internal envelope, proxied,
// and the response is unwrapped back to the public Gemini shape.
func (h *Handler) GeminiGenerate(c *gin.Context) {
	model, verb, ok := splitModelAction(c.Param("action"))
	if !ok {
		writeError(c, interfaces.NewStatusError(http.StatusNotFound, interfaces.ErrorTypeInvalidRequest, "unknown action"))
		return
	}
	var stream bool
	switch verb {
	case "generateContent":
	case "streamGenerateContent":
		stream = true
	default:
		writeError(c, interfaces.NewStatusError(http.StatusNotFound, interfaces.ErrorTypeInvalidRequest, "unsupported action: "+verb))
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, interfaces.NewStatusError(http.StatusBadRequest, interfaces.ErrorTypeInvalidRequest, "failed to read request body"))
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(c, interfaces.NewStatusError(http.StatusBadRequest, interfaces.ErrorTypeInvalidRequest, "request body is not valid JSON"))
		return
	}

	account, err := h.pool.Checkout()
	if err != nil {
		writeError(c, err)
		return
	}

	envelope := antigravity.BuildGeminiEnvelope(body, model, account.ProjectID)
	log.WithFields(log.Fields{
		"request_id": logging.GetRequestID(c.Request.Context()),
		"model":      model,
		"project":    account.ProjectID,
		"stream":     stream,
	}).Info("gemini passthrough request")

	if stream {
		h.streamGeminiRaw(c, account, envelope)
		return
	}

	resp, err := h.callWithAuthRetry(c.Request.Context(), antigravity.GenerateSuffix, envelope, account, upstream.DefaultTimeout)
	if err != nil {
		writeError(c, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		writeError(c, upstreamFailure(resp))
		return
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		writeError(c, transportError(err))
		return
	}
	c.Data(http.StatusOK, "application/json", antigravity.UnwrapResponse(payload))
}

// streamGeminiRaw relays the upstream SSE stream, unwrapping each data event
// from the internal envelope. Lines that fail to parse pass through verbatim.
func (h *Handler) streamGeminiRaw(c *gin.Context, account *pool.Account, envelope []byte) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, interfaces.NewStatusError(http.StatusInternalServerError, interfaces.ErrorTypeUnavailable, "streaming unsupported by connection"))
		return
	}

	resp, err := h.callWithAuthRetry(c.Request.Context(), antigravity.StreamSuffix, envelope, account, upstream.DefaultTimeout)
	if err != nil {
		writeError(c, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		writeError(c, upstreamFailure(resp))
		return
	}

	setSSEHeaders(c)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, initialScanBuffer), maxScanBuffer)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		payload := line
		if strings.HasPrefix(line, "data:") {
			payload = strings.TrimSpace(line[5:])
		}
		if payload == "[DONE]" {
			_, _ = fmt.Fprint(c.Writer, "data: [DONE]\n\n")
			flusher.Flush()
			continue
		}
		if !gjson.Valid(payload) {
			_, _ = fmt.Fprintf(c.Writer, "%s\n\n", line)
			flusher.Flush()
			continue
		}
		_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", antigravity.UnwrapResponse([]byte(payload)))
		flusher.Flush()
	}
	if errScan := scanner.Err(); errScan != nil {
		log.WithField("project", account.ProjectID).Errorf("gemini stream read: %v", errScan)
	}
}

// splitModelAction parses the "{model}:{verb}" path segment.
func splitModelAction(action string) (string, string, bool) {
	idx := strings.LastIndex(action, ":")
	if idx <= 0 || idx == len(action)-1 {
		return "", "", false
	}
	return action[:idx], action[idx+1:], true
}
