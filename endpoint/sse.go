package endpoint

import (
	"fmt"
	"io"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SSEvent is one Server-Sent Event.
type SSEvent struct {
	ID   *string // nil = not set, "" = reset
	Type *string // nil = not set, "" = default "message"
	Data string
}

// WriteTo implements io.WriterTo.
func (e SSEvent) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	if e.ID != nil {
		sb.WriteString("id: ")
		sb.WriteString(*e.ID)
		sb.WriteString("\n")
	}
	if e.Type != nil {
		sb.WriteString("event: ")
		sb.WriteString(*e.Type)
		sb.WriteString("\n")
	}
	sb.WriteString("data: ")
	sb.WriteString(strings.ReplaceAll(e.Data, "\n", "\ndata: "))
	sb.WriteString("\n\n")

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

// SSERenderer streams events to the client until the sequence ends or the
// request context is cancelled.
type SSERenderer struct {
	Events iter.Seq[SSEvent]

	// Retry, when positive, is sent first as the client's reconnection delay.
	Retry time.Duration
	// Heartbeat, when positive, sends a comment line whenever the stream has
	// been idle that long, so intermediaries keep the connection open.
	Heartbeat time.Duration
}

// Render streams events to the client.
func (r *SSERenderer) Render(w http.ResponseWriter, req *http.Request) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("sse: ResponseWriter does not implement http.Flusher")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if r.Retry > 0 {
		if _, err := io.WriteString(w, "retry: "+strconv.FormatInt(r.Retry.Milliseconds(), 10)+"\n\n"); err != nil {
			return err
		}
	}
	flusher.Flush()

	ctx := req.Context()

	// Size 1 keeps the producer from blocking while the loop writes.
	eventCh := make(chan SSEvent, 1)
	go func() {
		defer close(eventCh)
		for event := range r.Events {
			select {
			case <-ctx.Done():
				return
			case eventCh <- event:
			}
		}
	}()

	var heartbeat <-chan time.Time
	if r.Heartbeat > 0 {
		t := time.NewTicker(r.Heartbeat)
		defer t.Stop()
		heartbeat = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case event, ok := <-eventCh:
			if !ok {
				return nil
			}
			if _, err := event.WriteTo(w); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}
