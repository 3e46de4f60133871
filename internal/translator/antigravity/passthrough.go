package antigravity

import (
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// BuildGeminiEnvelope wraps a standard Gemini generateContent request body
// into the internal envelope. The body is passed through untouched apart
// from stripping the model field; requestId and userAgent are filled in when
// the client did not provide them.
func BuildGeminiEnvelope(rawJSON []byte, model, projectID string) []byte {
	root := gjson.ParseBytes(rawJSON)

	request := string(rawJSON)
	if !gjson.Valid(request) || !root.IsObject() {
		request = "{}"
	}
	request, _ = sjson.Delete(request, "model")
	request, _ = sjson.Delete(request, "requestId")
	request, _ = sjson.Delete(request, "userAgent")
	if !gjson.Get(request, "contents").Exists() {
		request, _ = sjson.SetRaw(request, "contents", "[]")
	}

	out := `{"project":"","requestId":"","model":"","userAgent":"","request":{}}`
	out, _ = sjson.Set(out, "project", projectID)
	out, _ = sjson.Set(out, "model", model)
	if requestID := root.Get("requestId").String(); requestID != "" {
		out, _ = sjson.Set(out, "requestId", requestID)
	} else {
		out, _ = sjson.Set(out, "requestId", "agent-"+uuid.New().String())
	}
	if userAgent := root.Get("userAgent").String(); userAgent != "" {
		out, _ = sjson.Set(out, "userAgent", userAgent)
	} else {
		out, _ = sjson.Set(out, "userAgent", "antigravity")
	}
	out, _ = sjson.SetRaw(out, "request", request)
	return []byte(out)
}

// UnwrapResponse peels the internal response wrapper off a payload so
// clients see the public Gemini format. Payloads without the wrapper are
// returned as is.
func UnwrapResponse(rawJSON []byte) []byte {
	if wrapped := gjson.GetBytes(rawJSON, "response"); wrapped.IsObject() {
		return []byte(wrapped.Raw)
	}
	return rawJSON
}
