package handlers

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/cetaceang/antigravity2api/internal/interfaces"
	"github.com/cetaceang/antigravity2api/internal/logging"
	"github.com/cetaceang/antigravity2api/internal/pool"
	"github.com/cetaceang/antigravity2api/internal/translator/antigravity"
	"github.com/cetaceang/antigravity2api/internal/upstream"
)

// Upstream SSE events can carry large inline payloads.
const (
	initialScanBuffer = 1024 * 1024
	maxScanBuffer     = 20 * 1024 * 1024
)

// ChatCompletions serves POST /v1/chat/completions. The request is converted
// into the upstream envelope, sent with the checked out account and the
// response is converted back, either as a single body or as an SSE stream.
func (h *Handler) ChatCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, interfaces.NewStatusError(http.StatusBadRequest, interfaces.ErrorTypeInvalidRequest, "failed to read request body"))
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(c, interfaces.NewStatusError(http.StatusBadRequest, interfaces.ErrorTypeInvalidRequest, "request body is not valid JSON"))
		return
	}
	root := gjson.ParseBytes(body)
	if !root.Get("messages").IsArray() {
		writeError(c, interfaces.NewStatusError(http.StatusBadRequest, interfaces.ErrorTypeInvalidRequest, "messages must be an array"))
		return
	}

	model := root.Get("model").String()
	if model == "" {
		model = antigravity.DefaultModel
	}
	stream := root.Get("stream").Bool()
	imageModel := antigravity.IsImageModel(model)

	account, err := h.pool.Checkout()
	if err != nil {
		writeError(c, err)
		return
	}

	upstreamBody, suffix := h.converter.BuildUpstreamRequest(body, account.ProjectID, account.SessionID)
	log.WithFields(log.Fields{
		"request_id": logging.GetRequestID(c.Request.Context()),
		"model":      model,
		"project":    account.ProjectID,
		"stream":     stream,
	}).Info("chat completion request")

	switch {
	case imageModel && stream:
		h.streamImageCompletion(c, account, upstreamBody, model)
	case stream:
		h.streamCompletion(c, account, upstreamBody, suffix, model)
	default:
		h.completeOnce(c, account, upstreamBody, suffix, model, imageModel)
	}
}

func (h *Handler) completeOnce(c *gin.Context, account *pool.Account, body []byte, suffix, model string, imageModel bool) {
	timeout := upstream.DefaultTimeout
	if imageModel {
		timeout = upstream.ImageTimeout
	}

	resp, err := h.callWithAuthRetry(c.Request.Context(), suffix, body, account, timeout)
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

	saver := requestImageSaver{store: h.images, base: h.imageBaseURL(c)}
	out := h.converter.ConvertResponse(payload, model, account.SessionID, saver)
	c.Data(http.StatusOK, "application/json", out)
}

func (h *Handler) streamCompletion(c *gin.Context, account *pool.Account, body []byte, suffix, model string) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, interfaces.NewStatusError(http.StatusInternalServerError, interfaces.ErrorTypeUnavailable, "streaming unsupported by connection"))
		return
	}

	resp, err := h.callWithAuthRetry(c.Request.Context(), suffix, body, account, upstream.DefaultTimeout)
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
	state := h.converter.NewStreamState(model, account.SessionID)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, initialScanBuffer), maxScanBuffer)
	for scanner.Scan() {
		chunk, produced := h.converter.ConvertStreamLine(state, scanner.Bytes())
		if !produced {
			continue
		}
		_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", chunk)
		flusher.Flush()
	}
	if errScan := scanner.Err(); errScan != nil {
		log.WithField("project", account.ProjectID).Errorf("upstream stream read: %v", errScan)
	}

	_, _ = fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	flusher.Flush()
}

// streamImageCompletion presents the non-streaming image generation call as
// an SSE stream: heartbeat comments keep the connection alive while upstream
// works, then the finished completion is emitted as delta chunks.
func (h *Handler) streamImageCompletion(c *gin.Context, account *pool.Account, body []byte, model string) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, interfaces.NewStatusError(http.StatusInternalServerError, interfaces.ErrorTypeUnavailable, "streaming unsupported by connection"))
		return
	}

	type callResult struct {
		resp *http.Response
		err  error
	}
	done := make(chan callResult, 1)
	go func() {
		resp, err := h.callWithAuthRetry(c.Request.Context(), antigravity.GenerateSuffix, body, account, upstream.ImageTimeout)
		done <- callResult{resp: resp, err: err}
	}()

	setSSEHeaders(c)
	ticker := time.NewTicker(h.cfg.KeepAliveInterval())
	defer ticker.Stop()

	var res callResult
waiting:
	for {
		select {
		case res = <-done:
			break waiting
		case <-ticker.C:
			_, _ = fmt.Fprint(c.Writer, ": heartbeat\n\n")
			flusher.Flush()
		}
	}

	if res.err != nil {
		writeStreamError(c, flusher, res.err)
		return
	}
	defer func() { _ = res.resp.Body.Close() }()
	if res.resp.StatusCode != http.StatusOK {
		writeStreamError(c, flusher, upstreamFailure(res.resp))
		return
	}

	payload, err := io.ReadAll(res.resp.Body)
	if err != nil {
		writeStreamError(c, flusher, transportError(err))
		return
	}

	saver := requestImageSaver{store: h.images, base: h.imageBaseURL(c)}
	completion := h.converter.ConvertResponse(payload, model, account.SessionID, saver)
	for _, chunk := range completionAsChunks(completion) {
		_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", chunk)
		flusher.Flush()
	}

	_, _ = fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	flusher.Flush()
}

// completionAsChunks splits a finished completion into stream chunks: one
// carrying the assistant content, one carrying the finish reason and usage.
func completionAsChunks(completion []byte) []string {
	root := gjson.ParseBytes(completion)
	id := root.Get("id").String()
	created := root.Get("created").Int()
	model := root.Get("model").String()

	base := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	base, _ = sjson.Set(base, "id", id)
	base, _ = sjson.Set(base, "created", created)
	base, _ = sjson.Set(base, "model", model)

	choice := root.Get("choices.0")

	first, _ := sjson.Set(base, "choices.0.delta.role", "assistant")
	first, _ = sjson.Set(first, "choices.0.delta.content", choice.Get("message.content").String())

	finishReason := choice.Get("finish_reason").String()
	if finishReason == "" {
		finishReason = "stop"
	}
	last, _ := sjson.Set(base, "choices.0.finish_reason", finishReason)
	if usage := root.Get("usage"); usage.Exists() {
		last, _ = sjson.SetRaw(last, "usage", usage.Raw)
	}

	return []string{first, last}
}

// writeStreamError reports a failure after the SSE headers are committed.
func writeStreamError(c *gin.Context, flusher http.Flusher, err error) {
	statusErr, ok := err.(*interfaces.StatusError)
	if !ok {
		statusErr = interfaces.NewStatusError(http.StatusInternalServerError, interfaces.ErrorTypeUnavailable, err.Error())
	}
	event := `{"error":{"message":"","type":"","code":0}}`
	event, _ = sjson.Set(event, "error.message", statusErr.Message)
	event, _ = sjson.Set(event, "error.type", string(statusErr.Type))
	event, _ = sjson.Set(event, "error.code", statusErr.Code)
	_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", event)
	_, _ = fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	flusher.Flush()
}

func setSSEHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
	c.Writer.WriteHeader(http.StatusOK)
}
