package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"

	"github.com/fablecraft/fablecraft/pkg/models"
)

// maxFrameSize bounds a single SSE data line. Frames larger than this
// are treated as malformed.
const maxFrameSize = 1 << 20

// Decoder reads Server-Sent Events frames from an agent response body
// and yields the typed event sequence.
//
// The sequence is lazy, finite, and non-restartable: Events may be
// called once. Decoding stops immediately when ctx is cancelled; no
// further events are emitted and the body is closed. Malformed frames
// surface as a single EventError carrying a ParseError; the decoder
// never retries.
type Decoder struct {
	body    io.ReadCloser
	started atomic.Bool
}

// NewDecoder wraps a response body. The decoder takes ownership of the
// body and closes it when the sequence ends.
func NewDecoder(body io.ReadCloser) *Decoder {
	return &Decoder{body: body}
}

// Events starts decoding and returns the event channel. The channel is
// closed after a done or error event, or silently on cancellation.
func (d *Decoder) Events(ctx context.Context) <-chan Event {
	out := make(chan Event)
	if !d.started.CompareAndSwap(false, true) {
		close(out)
		return out
	}

	// Closing the body from the watcher unblocks the scanner read, so
	// cancellation takes effect mid-frame, not at the next frame.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			d.body.Close()
		case <-watchDone:
		}
	}()

	go func() {
		defer close(out)
		defer close(watchDone)
		defer d.body.Close()

		scanner := bufio.NewScanner(d.body)
		scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

		var eventName string
		emit := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := scanner.Text()
			switch {
			case line == "":
				eventName = ""
			case strings.HasPrefix(line, "event:"):
				eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				ev, terminal, err := decodeFrame(eventName, data)
				if err != nil {
					emit(Failed(&ParseError{Frame: data, Cause: err}))
					return
				}
				if !emit(ev) {
					return
				}
				if terminal {
					return
				}
			default:
				// Comment or unknown field, ignored per SSE.
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			emit(Failed(err))
		}
		// EOF without a done frame: the channel simply closes; the
		// orchestrator finalizes the turn without an error.
	}()

	return out
}

type contextFrame struct {
	Documents []models.ContextRef `json:"documents"`
	Entities  []models.ContextRef `json:"entities"`
}

type deltaFrame struct {
	Text string `json:"text"`
}

type toolFrame struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args"`
}

type progressFrame struct {
	ToolCallID string  `json:"tool_call_id"`
	Stage      string  `json:"stage"`
	Percent    float64 `json:"percent"`
}

type errorFrame struct {
	Message string `json:"message"`
}

func decodeFrame(eventName, data string) (Event, bool, error) {
	switch EventType(eventName) {
	case EventContext:
		var frame contextFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return Event{}, false, err
		}
		return Retrieved(&models.ContextSnapshot{
			Documents: frame.Documents,
			Entities:  frame.Entities,
		}), false, nil

	case EventDelta:
		var frame deltaFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return Event{}, false, err
		}
		return Delta(frame.Text), false, nil

	case EventTool:
		var frame toolFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return Event{}, false, err
		}
		if frame.ToolCallID == "" || frame.ToolName == "" {
			return Event{}, false, errors.New("tool frame missing tool_call_id or tool_name")
		}
		return ToolProposal(frame.ToolCallID, frame.ToolName, frame.Args), false, nil

	case EventProgress:
		var frame progressFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return Event{}, false, err
		}
		return ToolProgress(frame.ToolCallID, frame.Stage, frame.Percent), false, nil

	case EventDone:
		return Done(), true, nil

	case EventError:
		var frame errorFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return Event{}, false, err
		}
		return Failed(errors.New(frame.Message)), true, nil

	default:
		return Event{}, false, errors.New("unknown event type: " + eventName)
	}
}
