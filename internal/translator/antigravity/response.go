package antigravity

import (
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ImageSaver persists a generated inline image and returns its public URL.
type ImageSaver interface {
	SaveBase64(data, mimeType string) (string, error)
}

// StreamState carries the per-stream conversion state: the completion id,
// the finish reason and usage once seen, and the running reasoning
// signature that is attached to thought deltas.
type StreamState struct {
	RequestID string
	Created   int64

	model     string
	sessionID string

	finishReason       string
	usageRaw           string
	reasoningSignature string
}

// NewStreamState starts the conversion state for one streaming response.
func (c *Converter) NewStreamState(model, sessionID string) *StreamState {
	st := &StreamState{
		RequestID: "chatcmpl-" + completionSuffix(),
		Created:   time.Now().Unix(),
		model:     model,
		sessionID: sessionID,
	}
	if sessionID != "" {
		st.reasoningSignature = c.signatures.Reasoning(sessionID, model)
	}
	return st
}

func completionSuffix() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
}

// ConvertStreamLine converts one upstream SSE line into an OpenAI chunk.
// Non-data lines, the upstream [DONE] marker and empty events are dropped;
// the second return value reports whether a chunk was produced.
func (c *Converter) ConvertStreamLine(st *StreamState, line []byte) (string, bool) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return "", false
	}

	var payload string
	switch {
	case strings.HasPrefix(trimmed, "data: "):
		payload = trimmed[6:]
	case strings.HasPrefix(trimmed, "data:"):
		payload = trimmed[5:]
	default:
		log.Debugf("skipping non-SSE line: %.50s", trimmed)
		return "", false
	}
	if strings.TrimSpace(payload) == "[DONE]" {
		return "", false
	}
	if !gjson.Valid(payload) {
		log.Errorf("invalid JSON in SSE payload: %.200s", payload)
		return "", false
	}

	root := gjson.Parse(payload)
	response := root.Get("response")
	candidates := response.Get("candidates")
	if !candidates.Exists() || len(candidates.Array()) == 0 {
		return "", false
	}
	candidate := candidates.Array()[0]

	if reason := candidate.Get("finishReason"); reason.Exists() {
		st.finishReason = mapFinishReason(reason.String())
	}
	if usage := response.Get("usageMetadata"); usage.Exists() {
		st.usageRaw = usage.Raw
	}

	delta := c.buildDelta(st, candidate.Get("content.parts"))

	chunk := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	chunk, _ = sjson.Set(chunk, "id", st.RequestID)
	chunk, _ = sjson.Set(chunk, "created", st.Created)
	chunk, _ = sjson.Set(chunk, "model", st.model)
	chunk, _ = sjson.SetRaw(chunk, "choices.0.delta", delta)
	if st.finishReason != "" {
		chunk, _ = sjson.Set(chunk, "choices.0.finish_reason", st.finishReason)
	}
	if st.usageRaw != "" && st.finishReason != "" {
		chunk, _ = sjson.SetRaw(chunk, "usage", usageFromMetadata(st.usageRaw))
	}
	return chunk, true
}

// buildDelta assembles the OpenAI delta object from upstream parts: thought
// parts become reasoning_content, functionCall parts become tool_calls with
// restored names, plain text becomes content. Signatures seen on the way are
// written to the session caches.
func (c *Converter) buildDelta(st *StreamState, parts gjson.Result) string {
	delta := "{}"
	var textParts, reasoningParts []string
	chunkSignature := ""
	toolCallCount := 0

	parts.ForEach(func(_, part gjson.Result) bool {
		if part.Get("thought").Bool() {
			reasoningParts = append(reasoningParts, part.Get("text").String())
			if sig := part.Get("thoughtSignature"); sig.Type == gjson.String && sig.String() != "" {
				chunkSignature = sig.String()
			}
			return true
		}

		if functionCall := part.Get("functionCall"); functionCall.Exists() {
			signature := firstString(part.Get("thoughtSignature"), functionCall.Get("thoughtSignature"))

			callID := functionCall.Get("id").String()
			if callID == "" {
				callID = "call_" + completionSuffix()
			}
			name := functionCall.Get("name").String()
			if st.sessionID != "" && name != "" {
				if original := c.toolNames.Get(st.sessionID, st.model, name); original != "" {
					name = original
				}
			}

			entry := `{"index":0,"id":"","type":"function","function":{"name":"","arguments":""}}`
			entry, _ = sjson.Set(entry, "index", toolCallCount)
			entry, _ = sjson.Set(entry, "id", callID)
			entry, _ = sjson.Set(entry, "function.name", name)
			args := "{}"
			if a := functionCall.Get("args"); a.Exists() {
				args = a.Raw
			}
			entry, _ = sjson.Set(entry, "function.arguments", args)
			if signature != "" {
				entry, _ = sjson.Set(entry, "thoughtSignature", signature)
				if st.sessionID != "" {
					c.signatures.SetTool(st.sessionID, st.model, signature)
				}
			}
			delta, _ = sjson.SetRaw(delta, "tool_calls.-1", entry)
			toolCallCount++
			return true
		}

		if sig := part.Get("thoughtSignature"); sig.Exists() {
			if sig.Type == gjson.String && sig.String() != "" {
				chunkSignature = sig.String()
			}
			return true
		}

		if text := part.Get("text"); text.Exists() {
			textParts = append(textParts, text.String())
		}
		return true
	})

	if len(textParts) > 0 {
		delta, _ = sjson.Set(delta, "content", strings.Join(textParts, ""))
	}
	if len(reasoningParts) > 0 {
		delta, _ = sjson.Set(delta, "reasoning_content", strings.Join(reasoningParts, ""))
	}
	if chunkSignature != "" {
		st.reasoningSignature = chunkSignature
		if st.sessionID != "" {
			c.signatures.SetReasoning(st.sessionID, st.model, chunkSignature)
		}
	}
	if st.reasoningSignature != "" && (len(reasoningParts) > 0 || chunkSignature != "") {
		delta, _ = sjson.Set(delta, "thoughtSignature", st.reasoningSignature)
	}
	return delta
}

// ConvertResponse converts a complete upstream response into an OpenAI chat
// completion. Inline image parts are persisted through the saver and linked
// as markdown in the message content.
func (c *Converter) ConvertResponse(rawJSON []byte, model, sessionID string, images ImageSaver) []byte {
	root := gjson.ParseBytes(rawJSON)
	// The internal endpoint usually wraps the payload in a response field.
	if wrapped := root.Get("response"); wrapped.IsObject() {
		root = wrapped
	}

	requestID := "chatcmpl-" + completionSuffix()
	created := time.Now().Unix()
	stateSignature := ""
	if sessionID != "" {
		stateSignature = c.signatures.Reasoning(sessionID, model)
	}

	candidates := root.Get("candidates")
	usage := root.Get("usageMetadata")

	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[],"usage":{}}`
	out, _ = sjson.Set(out, "id", requestID)
	out, _ = sjson.Set(out, "created", created)
	out, _ = sjson.Set(out, "model", model)

	if !candidates.Exists() || len(candidates.Array()) == 0 {
		promptTokens := usage.Get("promptTokenCount").Int()
		out, _ = sjson.Set(out, "usage.prompt_tokens", promptTokens)
		out, _ = sjson.Set(out, "usage.completion_tokens", 0)
		out, _ = sjson.Set(out, "usage.total_tokens", promptTokens)
		return []byte(out)
	}

	candidates.ForEach(func(idx, candidate gjson.Result) bool {
		message := `{"role":"assistant"}`
		var textParts, reasoningParts, imageURLs []string
		candidateSignature := ""
		toolCalls := "[]"
		toolCallCount := 0

		candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
			switch {
			case part.Get("thought").Bool():
				reasoningParts = append(reasoningParts, part.Get("text").String())
				if sig := part.Get("thoughtSignature"); sig.Type == gjson.String && sig.String() != "" {
					candidateSignature = sig.String()
				}
			case part.Get("text").Exists():
				textParts = append(textParts, part.Get("text").String())
			case part.Get("functionCall").Exists():
				functionCall := part.Get("functionCall")
				signature := firstString(part.Get("thoughtSignature"), functionCall.Get("thoughtSignature"))

				callID := functionCall.Get("id").String()
				if callID == "" {
					callID = "call_" + completionSuffix()
				}
				name := functionCall.Get("name").String()
				if sessionID != "" && name != "" {
					if original := c.toolNames.Get(sessionID, model, name); original != "" {
						name = original
					}
				}

				entry := `{"id":"","type":"function","function":{"name":"","arguments":""}}`
				entry, _ = sjson.Set(entry, "id", callID)
				entry, _ = sjson.Set(entry, "function.name", name)
				args := "{}"
				if a := functionCall.Get("args"); a.Exists() {
					args = a.Raw
				}
				entry, _ = sjson.Set(entry, "function.arguments", args)
				if signature != "" {
					entry, _ = sjson.Set(entry, "thoughtSignature", signature)
					if sessionID != "" {
						c.signatures.SetTool(sessionID, model, signature)
					}
				}
				toolCalls, _ = sjson.SetRaw(toolCalls, "-1", entry)
				toolCallCount++
			case part.Get("inlineData").Exists():
				inline := part.Get("inlineData")
				data := inline.Get("data").String()
				if data == "" {
					return true
				}
				if images == nil {
					log.Info("dropping inline image: no image store configured")
				} else if url, err := images.SaveBase64(data, inline.Get("mimeType").String()); err != nil {
					log.Infof("failed to save inline image: %v (mimeType=%s, dataLen=%d)", err, inline.Get("mimeType").String(), len(data))
				} else {
					imageURLs = append(imageURLs, url)
				}
				if sig := part.Get("thoughtSignature"); sig.Type == gjson.String && sig.String() != "" {
					candidateSignature = sig.String()
				}
			case part.Get("thoughtSignature").Exists():
				if sig := part.Get("thoughtSignature"); sig.Type == gjson.String && sig.String() != "" {
					candidateSignature = sig.String()
				}
			}
			return true
		})

		contentText := strings.Join(textParts, "")
		if len(imageURLs) > 0 {
			var chunks []string
			if contentText != "" {
				chunks = append(chunks, contentText)
			}
			for _, url := range imageURLs {
				chunks = append(chunks, "![image]("+url+")")
			}
			message, _ = sjson.Set(message, "content", strings.Join(chunks, "\n\n"))
		} else if contentText != "" {
			message, _ = sjson.Set(message, "content", contentText)
		}
		if len(reasoningParts) > 0 {
			message, _ = sjson.Set(message, "reasoning_content", strings.Join(reasoningParts, ""))
		}
		if candidateSignature != "" {
			stateSignature = candidateSignature
			if sessionID != "" {
				c.signatures.SetReasoning(sessionID, model, candidateSignature)
			}
		}
		if stateSignature != "" && (len(reasoningParts) > 0 || candidateSignature != "") {
			message, _ = sjson.Set(message, "thoughtSignature", stateSignature)
		}
		if toolCallCount > 0 {
			message, _ = sjson.SetRaw(message, "tool_calls", toolCalls)
		}

		finishReason := "stop"
		if reason := candidate.Get("finishReason"); reason.Exists() {
			finishReason = mapFinishReason(reason.String())
		}

		choice := `{"index":0,"message":{},"finish_reason":""}`
		choice, _ = sjson.Set(choice, "index", idx.Int())
		choice, _ = sjson.SetRaw(choice, "message", message)
		choice, _ = sjson.Set(choice, "finish_reason", finishReason)
		out, _ = sjson.SetRaw(out, "choices.-1", choice)
		return true
	})

	out, _ = sjson.SetRaw(out, "usage", usageFromMetadata(usage.Raw))
	return []byte(out)
}

// mapFinishReason maps the upstream finish reason onto OpenAI values.
func mapFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}

// usageFromMetadata converts upstream usageMetadata into the OpenAI usage
// object.
func usageFromMetadata(metadataRaw string) string {
	metadata := gjson.Parse(metadataRaw)
	out := `{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}`
	out, _ = sjson.Set(out, "prompt_tokens", metadata.Get("promptTokenCount").Int())
	out, _ = sjson.Set(out, "completion_tokens", metadata.Get("candidatesTokenCount").Int())
	out, _ = sjson.Set(out, "total_tokens", metadata.Get("totalTokenCount").Int())
	return out
}
