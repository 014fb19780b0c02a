/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       SSE frame parsing and usage extraction over an
             accumulated upstream byte buffer, plus synthesis of SSE
             frames from a single non-streaming JSON response for
             models that cannot stream natively.
Root Cause:  The proxy forwards Copilot's SSE stream to the client
             as-is but still needs to harvest usage telemetry from it
             after the fact, and o1-class models only ever return a
             single JSON body that must be reshaped into the same
             wire format every client already expects.
Context:     Grounded on server.py's convert_to_sse_events /
             convert_o1_response, and on gandalf's delta-chunk
             builder shape for constructing synthesized frames.
Suitability: L3 model for protocol framing logic.
──────────────────────────────────────────────────────────────
*/

// Package sse parses Server-Sent-Events frames accumulated from an
// upstream chat-completion response and extracts usage telemetry from
// them, and synthesizes SSE frames from a non-streaming JSON response.
package sse

import (
	"bytes"
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const doneMarker = "data: [DONE]"

// Event is one parsed SSE data frame's JSON payload.
type Event struct {
	Raw []byte
}

// Parse splits an accumulated SSE byte buffer on blank-line frame
// boundaries, strips the "data: " prefix, skips the terminal [DONE]
// marker, and tolerantly skips any frame that is not valid JSON. It
// is intentionally a whole-buffer operation rather than an
// incremental scanner: the proxy always has the full response body in
// hand by the time it needs usage data.
func Parse(accumulated []byte, logger zerolog.Logger) []Event {
	var events []Event
	frames := bytes.Split(accumulated, []byte("\n\n"))

	for _, frame := range frames {
		frame = bytes.TrimSpace(frame)
		if len(frame) == 0 {
			continue
		}
		if bytes.HasPrefix(frame, []byte(doneMarker)) {
			continue
		}

		payload := bytes.TrimPrefix(frame, []byte("data: "))
		payload = bytes.TrimSpace(payload)
		if !gjson.ValidBytes(payload) {
			logger.Debug().Bytes("frame", frame).Msg("skipping malformed SSE frame")
			continue
		}

		events = append(events, Event{Raw: payload})
	}
	return events
}

// Usage is the token accounting extracted from a parsed event stream.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	Found        bool
}

// ExtractUsage sums prompt_tokens/completion_tokens/total_tokens
// across every event that carries a usage object. Found is false if
// no event in the stream carried usage data at all, distinguishing
// "no usage reported" from "zero tokens used".
func ExtractUsage(events []Event) Usage {
	var u Usage
	for _, e := range events {
		usage := gjson.GetBytes(e.Raw, "usage")
		if !usage.Exists() {
			continue
		}
		u.Found = true
		u.InputTokens += int(usage.Get("prompt_tokens").Int())
		u.OutputTokens += int(usage.Get("completion_tokens").Int())
		if total := usage.Get("total_tokens"); total.Exists() {
			u.TotalTokens += int(total.Int())
		} else {
			u.TotalTokens += int(usage.Get("prompt_tokens").Int()) + int(usage.Get("completion_tokens").Int())
		}
	}
	return u
}

// SynthesizeO1Events converts a single non-streaming chat-completion
// JSON response into the SSE frames a streaming client expects: one
// frame per choice, each choice's "message" turned into a "delta",
// followed by the terminal [DONE] frame.
func SynthesizeO1Events(body []byte) ([]byte, error) {
	var parsed struct {
		ID      string           `json:"id"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []json.RawMessage `json:"choices"`
		Usage   json.RawMessage  `json:"usage,omitempty"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	for _, rawChoice := range parsed.Choices {
		var choice struct {
			Index   int             `json:"index"`
			Message json.RawMessage `json:"message"`
			Finish  *string         `json:"finish_reason"`
		}
		if err := json.Unmarshal(rawChoice, &choice); err != nil {
			continue
		}

		var message struct {
			Content string `json:"content"`
		}
		_ = json.Unmarshal(choice.Message, &message)

		delta := map[string]any{
			"index": choice.Index,
			"delta": map[string]any{"content": message.Content},
		}
		if choice.Finish != nil {
			delta["finish_reason"] = *choice.Finish
		} else {
			delta["finish_reason"] = nil
		}

		envelope := map[string]any{
			"id":      parsed.ID,
			"created": parsed.Created,
			"model":   parsed.Model,
			"choices": []any{delta},
		}
		encoded, err := json.Marshal(envelope)
		if err != nil {
			continue
		}
		out.WriteString("data: ")
		out.Write(encoded)
		out.WriteString("\n\n")
	}
	out.WriteString(doneMarker + "\n\n")
	return out.Bytes(), nil
}
