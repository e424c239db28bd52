package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// StreamEvent is one element of a streamed chat turn. Exactly one of Delta
// and Err is set; an Err event is terminal.
type StreamEvent struct {
	Delta string
	Err   error
}

// StreamResult carries the identifiers a streaming caller needs before the
// first event arrives.
type StreamResult struct {
	SessionID     string
	AssistantName string
	Events        <-chan StreamEvent
}

// StreamChat runs one chat turn and streams the assistant's reply as it is
// produced. Setup failures (unknown assistant, agent build) are returned
// synchronously; failures after streaming has begun arrive as a terminal
// error event. The accumulated reply is appended to the session when the
// stream completes cleanly, so a cancelled stream leaves no partial
// assistant message behind.
func (o *Orchestrator) StreamChat(ctx context.Context, req ChatRequest) (*StreamResult, error) {
	start := time.Now()

	a, sessionID, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	deltas, err := a.StreamInvoke(ctx, o.history(sessionID))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: assistant %q stream failed: %w", req.AssistantName, err)
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)

		var reply []byte
		for d := range deltas {
			if d.Err != nil {
				o.emit(ctx, events, StreamEvent{Err: d.Err})
				return
			}
			reply = append(reply, d.Text...)
			if !o.emit(ctx, events, StreamEvent{Delta: d.Text}) {
				return
			}
		}

		o.sessions.AppendMessage(sessionID, "assistant", string(reply))
		o.recordTurn(ctx, a.Name(), start)
	}()

	return &StreamResult{
		SessionID:     sessionID,
		AssistantName: a.Name(),
		Events:        events,
	}, nil
}

// emit sends an event unless the consumer has gone away.
func (o *Orchestrator) emit(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
