package api

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"

	"github.com/triadflow/triad/pkg/bus"
)

// streamedTypes lists every event type forwarded to websocket observers.
var streamedTypes = []bus.EventType{
	bus.EventWorkflowExecutionStarted,
	bus.EventWorkflowExecutionCompleted,
	bus.EventNodeExecution,
	bus.EventExecutionProgress,
	bus.EventWorkflowReflectionCompleted,
	bus.EventIntervention,
	bus.EventContextInjection,
	bus.EventTaskTermination,
}

// eventFrame is the wire shape of one streamed event.
type eventFrame struct {
	Type  bus.EventType `json:"type"`
	Event bus.Event     `json:"event"`
}

// streamEvents upgrades the connection and forwards every bus event as a
// JSON frame until the client disconnects. The stream is observe-only;
// client frames are read and discarded to service pings.
func (s *Server) streamEvents(c *gin.Context) {
	if s.deps.Bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus not running"})
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(s.deps.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = s.deps.AllowedWSOrigins
	} else {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Bus handlers run on the delivery goroutine; the channel hands frames
	// to this request's writer without blocking publishers.
	frames := make(chan eventFrame, 64)
	subs := make([]*bus.Subscription, 0, len(streamedTypes))
	for _, eventType := range streamedTypes {
		et := eventType
		subs = append(subs, s.deps.Bus.Subscribe(et, func(e bus.Event) {
			select {
			case frames <- eventFrame{Type: et, Event: e}:
			default:
				// Slow consumer: drop rather than stall the stream.
			}
		}))
	}
	defer func() {
		for _, sub := range subs {
			s.deps.Bus.Unsubscribe(sub)
		}
	}()

	// Drain client frames so control messages are processed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-frames:
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				return
			}
		}
	}
}
