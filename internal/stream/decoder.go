package stream

import (
	"encoding/json"
	"log/slog"
	"strings"
)

const dataPrefix = "data: "
const doneLine = "data: [DONE]"

type sseDelta struct {
	Content   string        `json:"content"`
	ToolCalls []sseToolCall `json:"tool_calls"`
}

type sseToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type sseChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta json.RawMessage `json:"delta"`
	} `json:"choices"`
}

// Decoder turns an incremental SSE byte stream into ordered Events. Chunk
// boundaries carry no meaning: any split of the same byte stream yields the
// same event sequence.
type Decoder struct {
	logger   *slog.Logger
	buffer   string
	fullText strings.Builder
	done     bool
}

func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger}
}

// Feed appends a chunk and returns the events completed by it. Only fully
// newline-terminated lines are processed; the trailing partial line waits for
// the next chunk.
func (d *Decoder) Feed(chunk string) []Event {
	if d.done {
		return nil
	}
	d.buffer += chunk
	lines := strings.Split(d.buffer, "\n")
	d.buffer = lines[len(lines)-1]

	var events []Event
	for _, line := range lines[:len(lines)-1] {
		ev := d.decodeLine(line)
		if ev == nil {
			continue
		}
		events = append(events, ev)
		if _, terminal := ev.(End); terminal {
			d.done = true
			break
		}
	}
	return events
}

// Close flushes any final unterminated line and returns the remaining events.
// Streams that end without a terminator line still yield End exactly once.
func (d *Decoder) Close() []Event {
	if d.done {
		return nil
	}
	var events []Event
	if d.buffer != "" {
		if ev := d.decodeLine(d.buffer); ev != nil {
			events = append(events, ev)
		}
		d.buffer = ""
	}
	d.done = true
	if len(events) > 0 {
		if _, terminal := events[len(events)-1].(End); terminal {
			return events
		}
	}
	return append(events, End{})
}

// FullText returns all text accumulated so far.
func (d *Decoder) FullText() string {
	return d.fullText.String()
}

func (d *Decoder) decodeLine(line string) Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if line == doneLine {
		return End{}
	}
	if !strings.HasPrefix(line, dataPrefix) {
		return nil
	}

	var chunk sseChunk
	if err := json.Unmarshal([]byte(line[len(dataPrefix):]), &chunk); err != nil {
		d.logger.Warn("skipping malformed stream line", "error", err)
		return nil
	}
	if len(chunk.Choices) == 0 || len(chunk.Choices[0].Delta) == 0 {
		return nil
	}
	rawDelta := chunk.Choices[0].Delta

	var delta sseDelta
	if err := json.Unmarshal(rawDelta, &delta); err != nil {
		d.logger.Warn("skipping malformed delta", "error", err)
		return nil
	}

	if len(delta.ToolCalls) > 0 {
		tc := delta.ToolCalls[0]
		return ToolCallDelta{
			Index:        tc.Index,
			ID:           tc.ID,
			Name:         tc.Function.Name,
			ArgsFragment: tc.Function.Arguments,
		}
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(rawDelta, &fields); err == nil {
		if customType, ok := fields["custom_type"].(string); ok && customType != "" {
			ev := CustomToolEvent{
				CustomType: customType,
				ID:         chunk.ID,
				Payload:    make(map[string]interface{}),
			}
			if id, ok := fields["id"].(string); ok && id != "" {
				ev.ID = id
			}
			if name, ok := fields["name"].(string); ok {
				ev.Name = name
			}
			for k, v := range fields {
				switch k {
				case "custom_type", "id", "name":
				default:
					ev.Payload[k] = v
				}
			}
			return ev
		}
	}

	if delta.Content != "" {
		d.fullText.WriteString(delta.Content)
		return TextDelta{Text: delta.Content}
	}
	return nil
}
