package antigravity

import (
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/cetaceang/antigravity2api/internal/cache"
)

// Upstream endpoint suffixes appended to the base URL.
const (
	StreamSuffix   = "/v1internal:streamGenerateContent?alt=sse"
	GenerateSuffix = "/v1internal:generateContent"
	ModelsSuffix   = "/v1internal:fetchAvailableModels"
)

// DefaultModel is used when the client omits the model field.
const DefaultModel = "gemini-2.5-flash"

// Converter reshapes requests and responses between the OpenAI surface and
// the upstream envelope. The caches carry thought signatures and tool name
// mappings across the turns of a session.
type Converter struct {
	signatures *cache.SignatureCache
	toolNames  *cache.ToolNameCache
}

// NewConverter builds a Converter backed by the given caches.
func NewConverter(signatures *cache.SignatureCache, toolNames *cache.ToolNameCache) *Converter {
	return &Converter{signatures: signatures, toolNames: toolNames}
}

// toolCallInfo remembers, within one request, the sanitized name and thought
// signature of each assistant tool call so the matching tool result can be
// paired with them.
type toolCallInfo struct {
	name      string
	signature string
}

// BuildUpstreamRequest converts an OpenAI Chat Completions request into the
// upstream envelope and returns it with the endpoint suffix to call.
func (c *Converter) BuildUpstreamRequest(rawJSON []byte, projectID, sessionID string) ([]byte, string) {
	root := gjson.ParseBytes(rawJSON)

	model := root.Get("model").String()
	if model == "" {
		model = DefaultModel
	}
	stream := root.Get("stream").Bool()
	imageModel := IsImageModel(model)
	thinking := isThinkingModel(model)

	systemText, contents := c.convertMessages(root.Get("messages"), model, sessionID, thinking)

	out := `{"project":"","requestId":"","request":{"contents":[]},"model":"","userAgent":"antigravity"}`
	out, _ = sjson.Set(out, "project", projectID)
	out, _ = sjson.Set(out, "requestId", "agent-"+uuid.New().String())
	out, _ = sjson.Set(out, "model", model)
	for _, content := range contents {
		out, _ = sjson.SetRaw(out, "request.contents.-1", content)
	}
	if sessionID != "" {
		out, _ = sjson.Set(out, "request.sessionId", sessionID)
	}
	if systemText != "" {
		instruction, _ := sjson.Set(`{"parts":[{"text":""}]}`, "parts.0.text", systemText)
		out, _ = sjson.SetRaw(out, "request.systemInstruction", instruction)
	}

	if genConfig := buildGenerationConfig(root, model, thinking); genConfig != "{}" {
		out, _ = sjson.SetRaw(out, "request.generationConfig", genConfig)
	}

	if tools := c.convertTools(root.Get("tools"), model, sessionID); tools != "" {
		out, _ = sjson.SetRaw(out, "request.tools", tools)
		out, _ = sjson.SetRaw(out, "request.toolConfig", `{"functionCallingConfig":{"mode":"VALIDATED"}}`)
	}

	suffix := GenerateSuffix
	if imageModel {
		out = prepareImageRequest(out)
	} else if stream {
		suffix = StreamSuffix
	}

	logConversionSummary(root, out)
	return []byte(out), suffix
}

// prepareImageRequest reduces the envelope for image generation: a fixed
// generationConfig, no system instruction and no tools.
func prepareImageRequest(out string) string {
	out, _ = sjson.Set(out, "requestType", "image_gen")
	out, _ = sjson.SetRaw(out, "request.generationConfig", `{"candidateCount":1}`)
	out, _ = sjson.Delete(out, "request.systemInstruction")
	out, _ = sjson.Delete(out, "request.tools")
	out, _ = sjson.Delete(out, "request.toolConfig")
	return out
}

// buildGenerationConfig maps the OpenAI sampling parameters onto the
// upstream generationConfig, including the thinking configuration.
func buildGenerationConfig(root gjson.Result, model string, thinking bool) string {
	out := "{}"

	if temp := root.Get("temperature"); temp.Exists() {
		out, _ = sjson.Set(out, "temperature", temp.Float())
	}
	if maxTokens := root.Get("max_tokens"); maxTokens.Exists() {
		out, _ = sjson.Set(out, "maxOutputTokens", maxTokens.Int())
	}
	if topP := root.Get("top_p"); topP.Exists() {
		out, _ = sjson.Set(out, "topP", topP.Float())
	}
	if topK := root.Get("top_k"); topK.Exists() {
		out, _ = sjson.Set(out, "topK", topK.Int())
	}
	if freq := root.Get("frequency_penalty"); freq.Exists() {
		out, _ = sjson.Set(out, "frequencyPenalty", freq.Float())
	}
	if pres := root.Get("presence_penalty"); pres.Exists() {
		out, _ = sjson.Set(out, "presencePenalty", pres.Float())
	}

	if stop := root.Get("stop"); stop.Exists() {
		if stop.Type == gjson.String {
			out, _ = sjson.Set(out, "stopSequences", []string{stop.String()})
		} else if stop.IsArray() {
			out, _ = sjson.SetRaw(out, "stopSequences", stop.Raw)
		}
	} else {
		out, _ = sjson.Set(out, "stopSequences", defaultStopSequences)
	}

	if n := root.Get("n"); n.Exists() {
		out, _ = sjson.Set(out, "candidateCount", n.Int())
	}
	if root.Get("response_format.type").String() == "json_object" {
		out, _ = sjson.Set(out, "responseMimeType", "application/json")
	}

	out, _ = sjson.Set(out, "thinkingConfig.includeThoughts", thinking)
	out, _ = sjson.Set(out, "thinkingConfig.thinkingBudget", thinkingBudget(root, thinking))
	if thinking && strings.Contains(strings.ToLower(model), "claude") {
		out, _ = sjson.Delete(out, "topP")
	}

	return out
}

// thinkingBudget resolves the thinking token budget from an explicit
// thinking_budget field, a reasoning_effort level, or the default.
func thinkingBudget(root gjson.Result, thinking bool) int {
	if !thinking {
		return 0
	}
	if budget := root.Get("thinking_budget"); budget.Exists() {
		if budget.Type == gjson.Number {
			return int(budget.Int())
		}
		return defaultThinkingBudget
	}
	if effort := root.Get("reasoning_effort"); effort.Type == gjson.String {
		if budget, ok := reasoningEffortBudgets[strings.ToLower(effort.String())]; ok {
			return budget
		}
	}
	return defaultThinkingBudget
}

// convertMessages walks the OpenAI message list and produces the system
// instruction text plus the upstream contents entries. Leading system
// messages are collected into the system instruction; later system messages
// are demoted to user turns.
func (c *Converter) convertMessages(messages gjson.Result, model, sessionID string, thinking bool) (string, []string) {
	var systemTexts []string
	var contents []string
	toolCalls := make(map[string]toolCallInfo)
	collectingSystem := true
	defaultReasoningSignature := thoughtSignatureForModel(model)

	messages.ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		content := msg.Get("content")

		if role == "system" && collectingSystem {
			collectSystemText(content, &systemTexts)
			return true
		}
		collectingSystem = false

		switch role {
		case "assistant":
			contents = append(contents, c.convertAssistantMessage(msg, model, sessionID, thinking, defaultReasoningSignature, toolCalls))
		case "tool":
			part := convertToolMessage(msg, toolCalls)
			if merged, ok := appendToToolResponseTurn(contents, part); ok {
				contents[len(contents)-1] = merged
			} else {
				entry, _ := sjson.SetRaw(`{"role":"user","parts":[]}`, "parts.-1", part)
				contents = append(contents, entry)
			}
		default:
			// system messages after the first non-system turn land here too
			entry := `{"role":"user","parts":[]}`
			for _, part := range convertContentToParts(content) {
				entry, _ = sjson.SetRaw(entry, "parts.-1", part)
			}
			contents = append(contents, entry)
		}
		return true
	})

	return strings.Join(systemTexts, "\n\n"), contents
}

func collectSystemText(content gjson.Result, systemTexts *[]string) {
	switch {
	case content.Type == gjson.String:
		*systemTexts = append(*systemTexts, content.String())
	case content.IsArray():
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				if text := extractTextValue(part.Get("text")); text != "" {
					*systemTexts = append(*systemTexts, text)
				}
			}
			return true
		})
	case content.IsObject():
		if text := extractTextValue(content); text != "" {
			*systemTexts = append(*systemTexts, text)
		}
	}
}

// convertAssistantMessage builds a model turn. Thinking models get a thought
// part and a signature part prepended; tool calls are converted to
// functionCall parts with their signatures restored from the request or the
// session cache.
func (c *Converter) convertAssistantMessage(msg gjson.Result, model, sessionID string, thinking bool, defaultReasoningSignature string, toolCalls map[string]toolCallInfo) string {
	var parts []string

	if thinking {
		reasoningText := msg.Get("reasoning_content").String()
		if reasoningText == "" {
			reasoningText = " "
		}
		signature := firstString(msg.Get("thoughtSignature"), msg.Get("thought_signature"))
		if signature == "" {
			signature = c.signatures.Reasoning(sessionID, model)
		}
		if signature == "" {
			signature = defaultReasoningSignature
		}
		thoughtPart, _ := sjson.Set(`{"text":"","thought":true}`, "text", reasoningText)
		signaturePart, _ := sjson.Set(`{"text":" ","thoughtSignature":""}`, "thoughtSignature", signature)
		parts = append(parts, thoughtPart, signaturePart)
	}

	if content := msg.Get("content"); content.Exists() && content.Type != gjson.Null && !(content.Type == gjson.String && content.String() == "") {
		parts = append(parts, convertContentToParts(content)...)
	}

	msg.Get("tool_calls").ForEach(func(_, toolCall gjson.Result) bool {
		if toolCall.Get("type").String() != "function" {
			return true
		}
		funcName := toolCall.Get("function.name").String()
		if funcName == "" {
			return true
		}
		callID := toolCall.Get("id").String()
		if callID == "" {
			callID = "call_" + strings.ReplaceAll(uuid.New().String(), "-", "")
		}
		safeName := sanitizeToolName(funcName)
		if sessionID != "" && model != "" && safeName != funcName {
			c.toolNames.Set(sessionID, model, safeName, funcName)
		}

		signature := firstString(toolCall.Get("thoughtSignature"), toolCall.Get("thought_signature"))
		if thinking && signature == "" {
			signature = c.signatures.Tool(sessionID, model)
			if signature == "" {
				signature = toolSignatureForModel(model)
			}
		}
		toolCalls[callID] = toolCallInfo{name: safeName, signature: signature}

		part := `{"functionCall":{"id":"","name":"","args":{}}}`
		part, _ = sjson.Set(part, "functionCall.id", callID)
		part, _ = sjson.Set(part, "functionCall.name", safeName)
		part, _ = sjson.SetRaw(part, "functionCall.args", toolCallArgs(toolCall.Get("function.arguments")))
		if thinking && signature != "" {
			part, _ = sjson.Set(part, "thoughtSignature", signature)
		}
		parts = append(parts, part)
		return true
	})

	entry := `{"role":"model","parts":[]}`
	if len(parts) == 0 {
		parts = []string{`{"text":""}`}
	}
	for _, part := range parts {
		entry, _ = sjson.SetRaw(entry, "parts.-1", part)
	}
	return entry
}

// toolCallArgs normalizes the arguments field into a JSON object. String
// arguments that fail to parse are wrapped as a query.
func toolCallArgs(args gjson.Result) string {
	switch {
	case args.Type == gjson.String:
		trimmed := strings.TrimSpace(args.String())
		if trimmed == "" {
			return "{}"
		}
		if parsed := gjson.Parse(trimmed); parsed.IsObject() && gjson.Valid(trimmed) {
			return trimmed
		}
		wrapped, _ := sjson.Set(`{"query":""}`, "query", args.String())
		return wrapped
	case args.IsObject():
		return args.Raw
	default:
		return "{}"
	}
}

// convertToolMessage builds a functionResponse part for a tool result,
// pairing it with the recorded call by tool_call_id.
func convertToolMessage(msg gjson.Result, toolCalls map[string]toolCallInfo) string {
	callID := msg.Get("tool_call_id").String()

	name := ""
	if info, ok := toolCalls[callID]; ok {
		name = info.name
	}
	if name == "" {
		name = msg.Get("name").String()
	}
	if name != "" {
		name = sanitizeToolName(name)
	} else {
		name = "unknown_function"
	}

	content := msg.Get("content")
	output := ""
	switch {
	case content.IsObject() || content.IsArray():
		output = content.Raw
	case content.Exists() && content.Type != gjson.Null:
		output = content.String()
	}

	part := `{"functionResponse":{"name":"","response":{"output":""}}}`
	part, _ = sjson.Set(part, "functionResponse.name", name)
	part, _ = sjson.Set(part, "functionResponse.response.output", output)
	if callID != "" {
		part, _ = sjson.Set(part, "functionResponse.id", callID)
	}
	return part
}

// appendToToolResponseTurn merges a functionResponse part into the previous
// turn when that turn is already a user turn carrying function responses, so
// parallel tool results share one turn.
func appendToToolResponseTurn(contents []string, part string) (string, bool) {
	if len(contents) == 0 {
		return "", false
	}
	last := gjson.Parse(contents[len(contents)-1])
	if last.Get("role").String() != "user" {
		return "", false
	}
	hasFunctionResponse := false
	last.Get("parts").ForEach(func(_, p gjson.Result) bool {
		if p.Get("functionResponse").Exists() {
			hasFunctionResponse = true
			return false
		}
		return true
	})
	if !hasFunctionResponse {
		return "", false
	}
	merged, _ := sjson.SetRaw(contents[len(contents)-1], "parts.-1", part)
	return merged, true
}

// firstString returns the first result that is a non-empty JSON string.
func firstString(values ...gjson.Result) string {
	for _, v := range values {
		if v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// extractTextValue digs a plain string out of the loose shapes clients send
// for text fields: a string, or an object with text or value inside.
func extractTextValue(value gjson.Result) string {
	if value.Type == gjson.String {
		return value.String()
	}
	if value.IsObject() {
		if text := value.Get("text"); text.Exists() {
			return extractTextValue(text)
		}
		if inner := value.Get("value"); inner.Exists() {
			return extractTextValue(inner)
		}
	}
	return ""
}

// convertContentToParts maps an OpenAI content field onto upstream parts.
// Strings become a text part; arrays may mix text and image_url items where
// data URLs become inlineData and external URLs become fileData.
func convertContentToParts(content gjson.Result) []string {
	switch {
	case content.Type == gjson.String:
		part, _ := sjson.Set(`{"text":""}`, "text", content.String())
		return []string{part}
	case content.IsObject():
		part, _ := sjson.Set(`{"text":""}`, "text", extractTextValue(content))
		return []string{part}
	case content.IsArray():
		var parts []string
		content.ForEach(func(_, item gjson.Result) bool {
			switch item.Get("type").String() {
			case "text":
				part, _ := sjson.Set(`{"text":""}`, "text", extractTextValue(item.Get("text")))
				parts = append(parts, part)
			case "image_url":
				url := item.Get("image_url.url").String()
				if strings.HasPrefix(url, "data:image/") {
					if mimeType, data, ok := splitDataURL(url); ok {
						part := `{"inlineData":{"mimeType":"","data":""}}`
						part, _ = sjson.Set(part, "inlineData.mimeType", mimeType)
						part, _ = sjson.Set(part, "inlineData.data", data)
						parts = append(parts, part)
					}
				} else if url != "" {
					part, _ := sjson.Set(`{"fileData":{"fileUri":""}}`, "fileData.fileUri", url)
					parts = append(parts, part)
				}
			}
			return true
		})
		if len(parts) == 0 {
			parts = []string{`{"text":""}`}
		}
		return parts
	default:
		return []string{`{"text":""}`}
	}
}

// splitDataURL decomposes a data:mime;base64,payload URL.
func splitDataURL(url string) (string, string, bool) {
	idx := strings.Index(url, ",")
	if idx < 0 {
		return "", "", false
	}
	header := url[:idx]
	mimeType := strings.TrimPrefix(strings.SplitN(header, ";", 2)[0], "data:")
	return mimeType, url[idx+1:], true
}

// convertTools maps OpenAI tool declarations into upstream
// functionDeclarations, sanitizing names and cleaning parameter schemas.
// Returns "" when no usable tool remains.
func (c *Converter) convertTools(tools gjson.Result, model, sessionID string) string {
	if !tools.Exists() || !tools.IsArray() {
		return ""
	}

	out := "[]"
	count := 0
	tools.ForEach(func(_, tool gjson.Result) bool {
		if tool.Get("type").String() != "function" {
			return true
		}
		fn := tool.Get("function")
		originalName := fn.Get("name").String()
		if originalName == "" {
			originalName = "unnamed_function"
		}
		safeName := sanitizeToolName(originalName)
		if sessionID != "" && model != "" && safeName != originalName {
			c.toolNames.Set(sessionID, model, safeName, originalName)
		}

		parameters := "{}"
		if params := fn.Get("parameters"); params.IsObject() {
			parameters = cleanToolSchema(params)
		}
		if gjson.Get(parameters, "type").String() == "" {
			parameters, _ = sjson.Set(parameters, "type", "object")
		}
		if gjson.Get(parameters, "type").String() == "object" && !gjson.Get(parameters, "properties").IsObject() {
			parameters, _ = sjson.SetRaw(parameters, "properties", "{}")
		}

		if !validToolSchema(gjson.Parse(parameters)) {
			log.Warnf("skipping tool %s due to invalid parameter schema", safeName)
			return true
		}

		decl := `{"functionDeclarations":[{"name":"","description":"","parameters":{}}]}`
		decl, _ = sjson.Set(decl, "functionDeclarations.0.name", safeName)
		decl, _ = sjson.Set(decl, "functionDeclarations.0.description", fn.Get("description").String())
		decl, _ = sjson.SetRaw(decl, "functionDeclarations.0.parameters", parameters)
		out, _ = sjson.SetRaw(out, "-1", decl)
		count++
		return true
	})

	if count == 0 {
		return ""
	}
	return out
}

// cleanToolSchema recursively rebuilds a tool parameter schema: unsupported
// keywords are dropped, type names are lowercased and structural defaults
// are filled in.
func cleanToolSchema(node gjson.Result) string {
	if node.IsObject() {
		out := "{}"
		node.ForEach(func(key, value gjson.Result) bool {
			name := key.String()
			if excludedSchemaKeys[name] {
				return true
			}
			out, _ = sjson.SetRaw(out, escapePathKey(name), cleanToolSchema(value))
			return true
		})
		return normalizeSchemaNode(out)
	}
	if node.IsArray() {
		out := "[]"
		node.ForEach(func(_, value gjson.Result) bool {
			out, _ = sjson.SetRaw(out, "-1", cleanToolSchema(value))
			return true
		})
		return out
	}
	return node.Raw
}

func normalizeSchemaNode(raw string) string {
	schemaType := gjson.Get(raw, "type")
	if schemaType.Type == gjson.String {
		raw, _ = sjson.Set(raw, "type", strings.ToLower(schemaType.String()))
	} else if schemaType.IsArray() {
		normalized := "[]"
		schemaType.ForEach(func(_, item gjson.Result) bool {
			if item.Type == gjson.String {
				normalized, _ = sjson.Set(normalized, "-1", strings.ToLower(item.String()))
			} else {
				normalized, _ = sjson.SetRaw(normalized, "-1", item.Raw)
			}
			return true
		})
		raw, _ = sjson.SetRaw(raw, "type", normalized)
	}

	switch gjson.Get(raw, "type").String() {
	case "object":
		if !gjson.Get(raw, "properties").IsObject() {
			raw, _ = sjson.SetRaw(raw, "properties", "{}")
		}
		if required := gjson.Get(raw, "required"); required.Exists() {
			coerced := "[]"
			if required.IsArray() {
				required.ForEach(func(_, item gjson.Result) bool {
					if item.Type == gjson.String {
						coerced, _ = sjson.Set(coerced, "-1", item.String())
					}
					return true
				})
			} else {
				coerced, _ = sjson.Set(coerced, "-1", required.String())
			}
			raw, _ = sjson.SetRaw(raw, "required", coerced)
		}
	case "array":
		if items := gjson.Get(raw, "items"); !items.IsObject() && !items.IsArray() {
			raw, _ = sjson.SetRaw(raw, "items", "{}")
		}
	}

	if enum := gjson.Get(raw, "enum"); enum.Exists() && !enum.IsArray() {
		raw, _ = sjson.SetRaw(raw, "enum", "["+enum.Raw+"]")
	}
	return raw
}

// validToolSchema checks that every declared type name in the schema tree is
// one upstream supports.
func validToolSchema(node gjson.Result) bool {
	if !node.IsObject() {
		return true
	}
	if schemaType := node.Get("type"); schemaType.Type == gjson.String && !supportedSchemaTypes[schemaType.String()] {
		return false
	}
	ok := true
	if properties := node.Get("properties"); properties.IsObject() {
		properties.ForEach(func(_, sub gjson.Result) bool {
			ok = validToolSchema(sub)
			return ok
		})
	}
	if !ok {
		return false
	}
	items := node.Get("items")
	if items.IsObject() {
		return validToolSchema(items)
	}
	if items.IsArray() {
		items.ForEach(func(_, sub gjson.Result) bool {
			ok = validToolSchema(sub)
			return ok
		})
	}
	return ok
}

// escapePathKey escapes sjson path metacharacters so schema property names
// containing dots or wildcards are written as literal keys.
func escapePathKey(key string) string {
	replacer := strings.NewReplacer(`\`, `\\`, ".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`)
	return replacer.Replace(key)
}

// logConversionSummary emits a debug digest of the conversion to help chase
// upstream 400 rejections.
func logConversionSummary(root gjson.Result, out string) {
	if !log.IsLevelEnabled(log.DebugLevel) {
		return
	}
	var openaiRoles, upstreamRoles, toolNames []string
	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		openaiRoles = append(openaiRoles, msg.Get("role").String())
		return true
	})
	gjson.Get(out, "request.contents").ForEach(func(_, content gjson.Result) bool {
		upstreamRoles = append(upstreamRoles, content.Get("role").String())
		return true
	})
	gjson.Get(out, "request.tools").ForEach(func(_, tool gjson.Result) bool {
		tool.Get("functionDeclarations").ForEach(func(_, decl gjson.Result) bool {
			toolNames = append(toolNames, decl.Get("name").String())
			return true
		})
		return true
	})
	log.Debugf("conversion summary: openai roles=%v upstream roles=%v tools=%v systemInstruction=%v",
		openaiRoles, upstreamRoles, toolNames, gjson.Get(out, "request.systemInstruction").Exists())
}
