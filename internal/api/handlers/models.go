package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/sjson"

	"github.com/cetaceang/antigravity2api/internal/translator/antigravity"
	"github.com/cetaceang/antigravity2api/internal/upstream"
)

// ListModels serves GET /v1/models by fetching the upstream model catalog
// with the checked out account and reshaping it into the OpenAI list format.
func (h *Handler) ListModels(c *gin.Context) {
	account, err := h.pool.Checkout()
	if err != nil {
		writeError(c, err)
		return
	}

	body, _ := sjson.Set(`{"project":""}`, "project", account.ProjectID)
	resp, err := h.callWithAuthRetry(c.Request.Context(), antigravity.ModelsSuffix, []byte(body), account, upstream.ModelsTimeout)
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
	c.Data(http.StatusOK, "application/json", antigravity.ConvertModelList(payload))
}
