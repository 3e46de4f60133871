package antigravity

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/cetaceang/antigravity2api/internal/cache"
)

func newTestConverter() *Converter {
	return NewConverter(cache.NewSignatureCache(), cache.NewToolNameCache())
}

func TestBuildUpstreamRequest_Envelope(t *testing.T) {
	c := newTestConverter()
	in := []byte(`{"model":"gemini-2.5-flash","messages":[{"role":"system","content":"Be terse"},{"role":"user","content":"hi"}],"stream":true}`)

	out, suffix := c.BuildUpstreamRequest(in, "proj-1", "sess-1")
	if suffix != StreamSuffix {
		t.Errorf("suffix = %q, want %q", suffix, StreamSuffix)
	}

	root := gjson.ParseBytes(out)
	if got := root.Get("project").String(); got != "proj-1" {
		t.Errorf("project = %q", got)
	}
	if got := root.Get("requestId").String(); !strings.HasPrefix(got, "agent-") {
		t.Errorf("requestId = %q, want agent- prefix", got)
	}
	if got := root.Get("model").String(); got != "gemini-2.5-flash" {
		t.Errorf("model = %q", got)
	}
	if got := root.Get("userAgent").String(); got != "antigravity" {
		t.Errorf("userAgent = %q", got)
	}
	if got := root.Get("request.sessionId").String(); got != "sess-1" {
		t.Errorf("sessionId = %q", got)
	}
	if got := root.Get("request.systemInstruction.parts.0.text").String(); got != "Be terse" {
		t.Errorf("systemInstruction = %q", got)
	}

	contents := root.Get("request.contents").Array()
	if len(contents) != 1 {
		t.Fatalf("got %d contents, want 1 (system message extracted)", len(contents))
	}
	if contents[0].Get("role").String() != "user" || contents[0].Get("parts.0.text").String() != "hi" {
		t.Errorf("unexpected first content: %s", contents[0].Raw)
	}
}

func TestBuildUpstreamRequest_NonStreamSuffixAndDefaultModel(t *testing.T) {
	c := newTestConverter()
	out, suffix := c.BuildUpstreamRequest([]byte(`{"messages":[{"role":"user","content":"hi"}]}`), "p", "")
	if suffix != GenerateSuffix {
		t.Errorf("suffix = %q, want %q", suffix, GenerateSuffix)
	}
	if got := gjson.GetBytes(out, "model").String(); got != DefaultModel {
		t.Errorf("model = %q, want default", got)
	}
	if gjson.GetBytes(out, "request.sessionId").Exists() {
		t.Error("sessionId should be absent without a session")
	}
}

func TestBuildUpstreamRequest_GenerationConfig(t *testing.T) {
	c := newTestConverter()
	in := []byte(`{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"hi"}],
		"temperature":0.7,"max_tokens":256,"top_p":0.9,"top_k":40,
		"frequency_penalty":0.1,"presence_penalty":0.2,"stop":"END","n":2,
		"response_format":{"type":"json_object"}}`)

	out, _ := c.BuildUpstreamRequest(in, "p", "")
	cfg := gjson.GetBytes(out, "request.generationConfig")
	if cfg.Get("temperature").Float() != 0.7 {
		t.Errorf("temperature = %v", cfg.Get("temperature"))
	}
	if cfg.Get("maxOutputTokens").Int() != 256 {
		t.Errorf("maxOutputTokens = %v", cfg.Get("maxOutputTokens"))
	}
	if cfg.Get("topP").Float() != 0.9 || cfg.Get("topK").Int() != 40 {
		t.Errorf("topP/topK = %v/%v", cfg.Get("topP"), cfg.Get("topK"))
	}
	if cfg.Get("frequencyPenalty").Float() != 0.1 || cfg.Get("presencePenalty").Float() != 0.2 {
		t.Error("penalties not mapped")
	}
	stops := cfg.Get("stopSequences").Array()
	if len(stops) != 1 || stops[0].String() != "END" {
		t.Errorf("stopSequences = %s", cfg.Get("stopSequences").Raw)
	}
	if cfg.Get("candidateCount").Int() != 2 {
		t.Errorf("candidateCount = %v", cfg.Get("candidateCount"))
	}
	if cfg.Get("responseMimeType").String() != "application/json" {
		t.Errorf("responseMimeType = %q", cfg.Get("responseMimeType").String())
	}
}

func TestBuildUpstreamRequest_DefaultStopSequences(t *testing.T) {
	c := newTestConverter()
	out, _ := c.BuildUpstreamRequest([]byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`), "p", "")

	stops := gjson.GetBytes(out, "request.generationConfig.stopSequences").Array()
	if len(stops) != len(defaultStopSequences) {
		t.Fatalf("got %d default stop sequences, want %d", len(stops), len(defaultStopSequences))
	}
	if stops[0].String() != "<|user|>" {
		t.Errorf("first stop sequence = %q", stops[0].String())
	}
}

func TestThinkingDetection(t *testing.T) {
	cases := []struct {
		model string
		want  bool
	}{
		{"claude-sonnet-4-5-thinking", true},
		{"gemini-2.5-pro", true},
		{"gemini-3-pro-preview", true},
		{"rev19-uic3-1p", true},
		{"gpt-oss-120b-medium", true},
		{"claude-sonnet-4-5", false},
		{"gemini-2.5-flash", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := isThinkingModel(tc.model); got != tc.want {
			t.Errorf("isThinkingModel(%q) = %v, want %v", tc.model, got, tc.want)
		}
	}
}

func TestBuildUpstreamRequest_ThinkingBudget(t *testing.T) {
	c := newTestConverter()

	out, _ := c.BuildUpstreamRequest([]byte(`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}],"reasoning_effort":"high"}`), "p", "")
	cfg := gjson.GetBytes(out, "request.generationConfig.thinkingConfig")
	if !cfg.Get("includeThoughts").Bool() || cfg.Get("thinkingBudget").Int() != 32000 {
		t.Errorf("thinkingConfig = %s", cfg.Raw)
	}

	out, _ = c.BuildUpstreamRequest([]byte(`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}],"thinking_budget":4096}`), "p", "")
	if got := gjson.GetBytes(out, "request.generationConfig.thinkingConfig.thinkingBudget").Int(); got != 4096 {
		t.Errorf("explicit budget = %d, want 4096", got)
	}

	out, _ = c.BuildUpstreamRequest([]byte(`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`), "p", "")
	if got := gjson.GetBytes(out, "request.generationConfig.thinkingConfig.thinkingBudget").Int(); got != int64(defaultThinkingBudget) {
		t.Errorf("default budget = %d", got)
	}

	out, _ = c.BuildUpstreamRequest([]byte(`{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"hi"}]}`), "p", "")
	cfg = gjson.GetBytes(out, "request.generationConfig.thinkingConfig")
	if cfg.Get("includeThoughts").Bool() || cfg.Get("thinkingBudget").Int() != 0 {
		t.Errorf("non-thinking model config = %s", cfg.Raw)
	}
}

func TestBuildUpstreamRequest_ClaudeThinkingDropsTopP(t *testing.T) {
	c := newTestConverter()
	out, _ := c.BuildUpstreamRequest([]byte(`{"model":"claude-sonnet-4-5-thinking","messages":[{"role":"user","content":"hi"}],"top_p":0.9}`), "p", "")
	if gjson.GetBytes(out, "request.generationConfig.topP").Exists() {
		t.Error("topP must be dropped for thinking claude models")
	}
}

func TestBuildUpstreamRequest_AssistantThinkingParts(t *testing.T) {
	c := newTestConverter()
	in := []byte(`{"model":"claude-sonnet-4-5-thinking","messages":[
		{"role":"user","content":"hi"},
		{"role":"assistant","content":"hello","reasoning_content":"let me think"},
		{"role":"user","content":"go on"}]}`)

	out, _ := c.BuildUpstreamRequest(in, "p", "sess")
	parts := gjson.GetBytes(out, "request.contents.1.parts").Array()
	if len(parts) != 3 {
		t.Fatalf("got %d parts, want thought+signature+text", len(parts))
	}
	if !parts[0].Get("thought").Bool() || parts[0].Get("text").String() != "let me think" {
		t.Errorf("thought part = %s", parts[0].Raw)
	}
	if parts[1].Get("thoughtSignature").String() != claudeThoughtSignature {
		t.Error("placeholder signature not injected for claude model")
	}
	if parts[2].Get("text").String() != "hello" {
		t.Errorf("text part = %s", parts[2].Raw)
	}
}

func TestBuildUpstreamRequest_CachedSignaturePreferred(t *testing.T) {
	signatures := cache.NewSignatureCache()
	signatures.SetReasoning("sess", "gemini-2.5-pro", "cached-sig")
	c := NewConverter(signatures, cache.NewToolNameCache())

	in := []byte(`{"model":"gemini-2.5-pro","messages":[
		{"role":"user","content":"hi"},
		{"role":"assistant","content":"hello"}]}`)
	out, _ := c.BuildUpstreamRequest(in, "p", "sess")
	if got := gjson.GetBytes(out, "request.contents.1.parts.1.thoughtSignature").String(); got != "cached-sig" {
		t.Errorf("signature = %q, want cached value", got)
	}
}

func TestBuildUpstreamRequest_ToolConversion(t *testing.T) {
	c := newTestConverter()
	in := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}],"tools":[
		{"type":"function","function":{"name":"my.tool","description":"d","parameters":{
			"type":"Object","additionalProperties":false,"$schema":"x",
			"properties":{"q":{"type":"STRING","minLength":1}},
			"required":["q"]}}}]}`)

	out, _ := c.BuildUpstreamRequest(in, "p", "sess")
	decl := gjson.GetBytes(out, "request.tools.0.functionDeclarations.0")
	if decl.Get("name").String() != "my_tool" {
		t.Errorf("tool name = %q, want sanitized my_tool", decl.Get("name").String())
	}
	params := decl.Get("parameters")
	if params.Get("type").String() != "object" {
		t.Errorf("type = %q, want lowercased object", params.Get("type").String())
	}
	if params.Get("additionalProperties").Exists() || params.Get("$schema").Exists() {
		t.Error("excluded schema keys not stripped")
	}
	if params.Get("properties.q.type").String() != "string" {
		t.Errorf("nested type = %q", params.Get("properties.q.type").String())
	}
	if params.Get("properties.q.minLength").Exists() {
		t.Error("nested excluded key not stripped")
	}
	if gjson.GetBytes(out, "request.toolConfig.functionCallingConfig.mode").String() != "VALIDATED" {
		t.Error("toolConfig mode must be VALIDATED")
	}

	// Sanitized name must be recorded for reverse mapping.
	if got := c.toolNames.Get("sess", "m", "my_tool"); got != "my.tool" {
		t.Errorf("tool name mapping = %q", got)
	}
}

func TestBuildUpstreamRequest_ToolMessagesShareTurn(t *testing.T) {
	c := newTestConverter()
	in := []byte(`{"model":"m","messages":[
		{"role":"user","content":"hi"},
		{"role":"assistant","tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"a","arguments":"{\"x\":1}"}},
			{"id":"call_2","type":"function","function":{"name":"b","arguments":"{}"}}]},
		{"role":"tool","tool_call_id":"call_1","content":"r1"},
		{"role":"tool","tool_call_id":"call_2","content":"r2"}]}`)

	out, _ := c.BuildUpstreamRequest(in, "p", "")
	contents := gjson.GetBytes(out, "request.contents").Array()
	if len(contents) != 3 {
		t.Fatalf("got %d contents, want 3 (parallel tool results merged)", len(contents))
	}

	model := contents[1]
	if model.Get("role").String() != "model" {
		t.Errorf("second turn role = %q", model.Get("role").String())
	}
	if model.Get("parts.0.functionCall.name").String() != "a" {
		t.Errorf("functionCall = %s", model.Get("parts.0").Raw)
	}
	if model.Get("parts.0.functionCall.args.x").Int() != 1 {
		t.Errorf("args = %s", model.Get("parts.0.functionCall.args").Raw)
	}

	responses := contents[2].Get("parts").Array()
	if len(responses) != 2 {
		t.Fatalf("got %d functionResponse parts, want 2", len(responses))
	}
	if responses[0].Get("functionResponse.id").String() != "call_1" ||
		responses[0].Get("functionResponse.response.output").String() != "r1" {
		t.Errorf("first response = %s", responses[0].Raw)
	}
}

func TestBuildUpstreamRequest_StringArgsWrappedAsQuery(t *testing.T) {
	c := newTestConverter()
	in := []byte(`{"model":"m","messages":[
		{"role":"user","content":"hi"},
		{"role":"assistant","tool_calls":[
			{"id":"c1","type":"function","function":{"name":"search","arguments":"plain text"}}]}]}`)

	out, _ := c.BuildUpstreamRequest(in, "p", "")
	if got := gjson.GetBytes(out, "request.contents.1.parts.0.functionCall.args.query").String(); got != "plain text" {
		t.Errorf("args.query = %q", got)
	}
}

func TestBuildUpstreamRequest_ImageModel(t *testing.T) {
	c := newTestConverter()
	in := []byte(`{"model":"gemini-2.5-flash-image","stream":true,"messages":[{"role":"system","content":"sys"},{"role":"user","content":"draw"}],
		"tools":[{"type":"function","function":{"name":"t","parameters":{"type":"object"}}}]}`)

	out, suffix := c.BuildUpstreamRequest(in, "p", "")
	if suffix != GenerateSuffix {
		t.Errorf("image requests must use the non-stream endpoint, got %q", suffix)
	}
	root := gjson.ParseBytes(out)
	if root.Get("requestType").String() != "image_gen" {
		t.Errorf("requestType = %q", root.Get("requestType").String())
	}
	if root.Get("request.generationConfig.candidateCount").Int() != 1 {
		t.Errorf("generationConfig = %s", root.Get("request.generationConfig").Raw)
	}
	if root.Get("request.systemInstruction").Exists() || root.Get("request.tools").Exists() || root.Get("request.toolConfig").Exists() {
		t.Error("image request must strip systemInstruction, tools and toolConfig")
	}
}

func TestBuildUpstreamRequest_MultimodalContent(t *testing.T) {
	c := newTestConverter()
	in := []byte(`{"model":"m","messages":[{"role":"user","content":[
		{"type":"text","text":"look"},
		{"type":"image_url","image_url":{"url":"data:image/png;base64,AAAA"}},
		{"type":"image_url","image_url":{"url":"https://example.com/x.png"}}]}]}`)

	out, _ := c.BuildUpstreamRequest(in, "p", "")
	parts := gjson.GetBytes(out, "request.contents.0.parts").Array()
	if len(parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(parts))
	}
	if parts[0].Get("text").String() != "look" {
		t.Errorf("text part = %s", parts[0].Raw)
	}
	if parts[1].Get("inlineData.mimeType").String() != "image/png" || parts[1].Get("inlineData.data").String() != "AAAA" {
		t.Errorf("inlineData part = %s", parts[1].Raw)
	}
	if parts[2].Get("fileData.fileUri").String() != "https://example.com/x.png" {
		t.Errorf("fileData part = %s", parts[2].Raw)
	}
}

func TestSanitizeToolName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"get_weather", "get_weather"},
		{"my.tool", "my_tool"},
		{"a b/c", "a_b_c"},
		{"__trim__", "trim"},
		{"", "tool"},
		{"///", "tool"},
		{strings.Repeat("x", 200), strings.Repeat("x", 128)},
	}
	for _, tc := range cases {
		if got := sanitizeToolName(tc.in); got != tc.want {
			t.Errorf("sanitizeToolName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
