package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/arieshq/aries/internal/domain/entity"
	domainErrors "github.com/arieshq/aries/pkg/errors"
	"go.uber.org/zap"
)

// ParseSSEStream reads Anthropic's event-based SSE format and forwards
// normalized events to the sink.
//
// Anthropic SSE events:
//   - message_start         → input and cache token counts
//   - content_block_start   → new content block
//   - content_block_delta   → incremental text (other delta kinds skipped)
//   - content_block_stop    → current block finished
//   - message_delta         → stop_reason + output token count
//   - message_stop          → stream complete
func ParseSSEStream(ctx context.Context, reader io.Reader, sink entity.StreamSink, logger *zap.Logger) (*entity.Usage, error) {
	idleTimeout := 60 * time.Second
	tReader := &timedReader{r: reader, timeout: idleTimeout, limit: maxResponseBytes}

	scanner := bufio.NewScanner(tReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	usage := &entity.Usage{}
	var currentEventType string
	stopped := false

	emitStop := func(reason string) error {
		if stopped {
			return nil
		}
		stopped = true
		if err := sink(entity.StreamEvent{Type: entity.StreamStop, Reason: mapStopReason(reason)}); err != nil {
			return err
		}
		return sink(entity.StreamEvent{Type: entity.StreamUsage, Usage: usage})
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return usage, classifyTransportErr(ctx.Err())
		default:
		}

		line := scanner.Text()

		// Anthropic SSE: "event: <type>" followed by "data: <json>"
		if strings.HasPrefix(line, "event: ") {
			currentEventType = strings.TrimPrefix(line, "event: ")
			continue
		}

		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		switch currentEventType {
		case "message_start":
			var evt StreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				logger.Debug("Skip unparseable message_start", zap.Error(err))
				continue
			}
			if evt.Message != nil {
				usage.InputTokens = evt.Message.Usage.InputTokens
				usage.CacheReadTokens = evt.Message.Usage.CacheReadInputTokens
				usage.CacheWriteTokens = evt.Message.Usage.CacheCreationInputTokens
			}

		case "content_block_delta":
			var evt StreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				logger.Debug("Skip unparseable content_block_delta", zap.Error(err))
				continue
			}
			if evt.Delta == nil {
				continue
			}
			// Only text deltas reach the client. Thinking and tool JSON
			// fragments have no OpenAI-wire equivalent here.
			if evt.Delta.Type == "text_delta" && evt.Delta.Text != "" {
				if err := sink(entity.StreamEvent{Type: entity.StreamDelta, Text: evt.Delta.Text}); err != nil {
					return usage, err
				}
			}

		case "message_delta":
			var evt StreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				logger.Debug("Skip unparseable message_delta", zap.Error(err))
				continue
			}
			if evt.Usage != nil {
				usage.OutputTokens = evt.Usage.OutputTokens
			}
			reason := ""
			if evt.Delta != nil {
				reason = evt.Delta.StopReason
			}
			if err := emitStop(reason); err != nil {
				return usage, err
			}

		case "message_stop":
			if err := emitStop(""); err != nil {
				return usage, err
			}
			return usage, nil

		case "error":
			var evt errorEvent
			msg := data
			if err := json.Unmarshal([]byte(data), &evt); err == nil && evt.Error.Message != "" {
				msg = evt.Error.Message
			}
			if err := sink(entity.StreamEvent{Type: entity.StreamError, Error: msg}); err != nil {
				return usage, err
			}
			return usage, domainErrors.NewTransportError(fmt.Sprintf("upstream stream error: %s", msg))

		case "content_block_start", "content_block_stop", "ping":
			// No client-visible effect.

		default:
			logger.Debug("Unknown Anthropic SSE event type", zap.String("type", currentEventType))
		}

		currentEventType = "" // reset after processing
	}

	if err := scanner.Err(); err != nil {
		return usage, classifyTransportErr(err)
	}

	// Upstream closed without message_stop. A missing terminal means the
	// stream was cut short.
	if !stopped {
		return usage, domainErrors.NewTransportError("stream ended before completion")
	}
	return usage, nil
}

// --- SSE idle timeout and size cap ---

var (
	errIdleTimeout = fmt.Errorf("stream read idle timeout")
	errStreamLimit = fmt.Errorf("stream exceeds size limit")
)

// timedReader fails a Read that stalls past the idle timeout and caps the
// total bytes consumed from the stream.
type timedReader struct {
	r       io.Reader
	timeout time.Duration
	limit   int64
	total   int64
}

func (t *timedReader) Read(p []byte) (int, error) {
	if t.limit > 0 && t.total > t.limit {
		return 0, errStreamLimit
	}
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()
	select {
	case res := <-ch:
		t.total += int64(res.n)
		if t.limit > 0 && t.total > t.limit {
			return res.n, errStreamLimit
		}
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}

type errorEvent struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
