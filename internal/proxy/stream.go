/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Streams an upstream SSE body to the client chunk by
             chunk, flushing immediately, while accumulating the full
             body so usage telemetry can be extracted once the stream
             ends. Detects client disconnects via write failures.
Root Cause:  The spec's accumulate-then-parse SSE contract needs the
             whole body, but clients still expect byte-for-byte
             streaming as it arrives — this keeps both without
             buffering the full response before the first flush.
Context:     Keeps the teacher's disconnect-aware streaming shape but
             replaces its rough per-chunk token estimate with a real
             accumulator handed to the SSE codec afterward.
Suitability: L3 — concurrency + SSE + accounting correctness.
──────────────────────────────────────────────────────────────
*/

package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

// StreamResult is the outcome of forwarding an upstream body to the
// client.
type StreamResult struct {
	Accumulated      []byte
	BytesSent        int64
	ClientDisconnect bool
	Err              error
}

// forwardAndAccumulate copies body to w as it arrives, flushing after
// every chunk, while also collecting everything written into an
// accumulator buffer for post-stream parsing. A write failure is
// treated as a client disconnect and stops forwarding without
// returning an error to the caller — whatever was already sent is
// still accounted for.
func forwardAndAccumulate(ctx context.Context, w http.ResponseWriter, body io.Reader, logger zerolog.Logger) *StreamResult {
	result := &StreamResult{}
	flusher, _ := w.(http.Flusher)

	var acc bytes.Buffer
	buf := make([]byte, 32*1024)

	for {
		select {
		case <-ctx.Done():
			result.ClientDisconnect = true
			result.Accumulated = acc.Bytes()
			return result
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			acc.Write(chunk)

			if _, writeErr := w.Write(chunk); writeErr != nil {
				result.ClientDisconnect = true
				logger.Debug().Err(writeErr).Msg("client disconnected mid-stream")
				result.Accumulated = acc.Bytes()
				return result
			}
			result.BytesSent += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}

		if readErr != nil {
			if readErr != io.EOF {
				result.Err = readErr
				logger.Error().Err(readErr).Msg("error reading upstream stream body")
			}
			result.Accumulated = acc.Bytes()
			return result
		}
	}
}
