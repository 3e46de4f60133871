package antigravity

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ConvertModelList converts the upstream model catalog into the OpenAI model
// list format. Ownership is inferred from the model id.
func ConvertModelList(rawJSON []byte) []byte {
	root := gjson.ParseBytes(rawJSON)
	if wrapped := root.Get("response"); wrapped.IsObject() {
		root = wrapped
	}

	created := time.Now().Unix()
	out := `{"object":"list","data":[]}`

	root.Get("models").ForEach(func(modelID, _ gjson.Result) bool {
		owner := "google"
		name := strings.ToLower(modelID.String())
		if strings.Contains(name, "claude") {
			owner = "anthropic"
		} else if strings.Contains(name, "gpt") {
			owner = "openai"
		}

		entry := `{"id":"","object":"model","created":0,"owned_by":""}`
		entry, _ = sjson.Set(entry, "id", modelID.String())
		entry, _ = sjson.Set(entry, "created", created)
		entry, _ = sjson.Set(entry, "owned_by", owner)
		out, _ = sjson.SetRaw(out, "data.-1", entry)
		return true
	})

	return []byte(out)
}
