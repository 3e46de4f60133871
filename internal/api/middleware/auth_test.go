package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

type staticValidator []string

func (v staticValidator) ValidateAPIKey(key string) bool {
	for _, k := range v {
		if k == key {
			return true
		}
	}
	return false
}

func newAuthEngine(opts AuthOptions, keys ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.POST("/probe", APIKeyAuth(staticValidator(keys), opts), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return engine
}

func doProbe(engine *gin.Engine, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader("{}"))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, req)
	return recorder
}

func TestAPIKeyAuth_Bearer(t *testing.T) {
	engine := newAuthEngine(AuthOptions{}, "sk-good")

	if rec := doProbe(engine, "/probe", map[string]string{"Authorization": "Bearer sk-good"}); rec.Code != http.StatusOK {
		t.Errorf("valid bearer: status = %d", rec.Code)
	}
	if rec := doProbe(engine, "/probe", map[string]string{"Authorization": "Bearer sk-bad"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("invalid bearer: status = %d", rec.Code)
	}
	if rec := doProbe(engine, "/probe", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing header: status = %d", rec.Code)
	}
	if rec := doProbe(engine, "/probe", map[string]string{"Authorization": "sk-good"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("non-bearer scheme: status = %d", rec.Code)
	}
}

func TestAPIKeyAuth_RejectionBody(t *testing.T) {
	engine := newAuthEngine(AuthOptions{}, "sk-good")
	rec := doProbe(engine, "/probe", nil)

	body := gjson.ParseBytes(rec.Body.Bytes())
	if got := body.Get("error.message").String(); got != "Invalid API key" {
		t.Errorf("error.message = %q", got)
	}
	if got := body.Get("error.type").String(); got != "auth_error" {
		t.Errorf("error.type = %q", got)
	}
	if got := body.Get("error.code").Int(); got != http.StatusUnauthorized {
		t.Errorf("error.code = %d, want 401", got)
	}
}

func TestAPIKeyAuth_GoogleHeader(t *testing.T) {
	engine := newAuthEngine(AuthOptions{AllowGoogleHeader: true}, "sk-good")

	if rec := doProbe(engine, "/probe", map[string]string{"x-goog-api-key": "sk-good"}); rec.Code != http.StatusOK {
		t.Errorf("google header: status = %d", rec.Code)
	}

	// The carrier must be enabled; otherwise the header is ignored.
	strict := newAuthEngine(AuthOptions{}, "sk-good")
	if rec := doProbe(strict, "/probe", map[string]string{"x-goog-api-key": "sk-good"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("google header without opt-in: status = %d", rec.Code)
	}
}

func TestAPIKeyAuth_QueryKey(t *testing.T) {
	engine := newAuthEngine(AuthOptions{AllowQueryKey: true}, "sk-good")

	if rec := doProbe(engine, "/probe?key=sk-good", nil); rec.Code != http.StatusOK {
		t.Errorf("query key: status = %d", rec.Code)
	}

	strict := newAuthEngine(AuthOptions{}, "sk-good")
	if rec := doProbe(strict, "/probe?key=sk-good", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("query key without opt-in: status = %d", rec.Code)
	}
}

func TestAPIKeyAuth_QueryKeyTakesPrecedence(t *testing.T) {
	engine := newAuthEngine(AuthOptions{AllowQueryKey: true}, "sk-good")

	// A present query key decides the outcome even when a valid bearer
	// token is also supplied.
	rec := doProbe(engine, "/probe?key=sk-bad", map[string]string{"Authorization": "Bearer sk-good"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad query key with good bearer: status = %d", rec.Code)
	}
}
