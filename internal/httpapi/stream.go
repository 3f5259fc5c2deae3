package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voicebff/internal/broadcast"
	"github.com/MrWong99/voicebff/internal/host"
)

// Stream frames produced by the boundary in answer to commands sent over the
// socket.
const (
	EventCommandResult = "command_result"
	EventCommandError  = "command_error"
)

// handleStream subscribes to the session before upgrading so that unknown
// sessions and full subscriber sets get a normal JSON error response.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	out := make(chan broadcast.Message, a.streamBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	unsubscribe, err := a.host.Subscribe(id, func(m broadcast.Message) {
		select {
		case out <- m:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: a.origins})
	if err != nil {
		a.log.Warn("httpapi: websocket upgrade failed", "session_id", id, "err", err)
		return
	}
	conn.SetReadLimit(maxBodyBytes)
	log := a.log.With("session_id", id)
	log.Debug("httpapi: stream attached")

	ctx, cancel := context.WithCancel(r.Context())
	replies := make(chan broadcast.Message, 16)
	var wg sync.WaitGroup
	wg.Go(func() {
		defer cancel()
		a.readCommands(ctx, conn, id, replies)
	})
	// A cancelled read context closes the socket, which releases the reader.
	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-overflow:
			log.Warn("httpapi: stream consumer too slow, closing")
			conn.Close(websocket.StatusPolicyViolation, "subscriber queue overflow")
			return
		case m := <-replies:
			if err := a.write(ctx, conn, m); err != nil {
				log.Debug("httpapi: stream write failed", "err", err)
				return
			}
		case m := <-out:
			if err := a.write(ctx, conn, m); err != nil {
				log.Debug("httpapi: stream write failed", "err", err)
				return
			}
			if m.Event == host.EventSessionClosed {
				conn.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
		}
	}
}

// readCommands decodes text frames as commands and queues a result or error
// frame for each. It returns when the socket is closed.
func (a *API) readCommands(ctx context.Context, conn *websocket.Conn, id string, replies chan<- broadcast.Message) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var reply broadcast.Message
		if typ != websocket.MessageText {
			reply = errorFrame(&host.Error{
				Code:    host.CodeInvalidEventPayload,
				Status:  http.StatusBadRequest,
				Message: "commands must be sent as text frames",
			})
		} else if cmd, err := host.DecodeCommand(data); err != nil {
			reply = errorFrame(err)
		} else if st, err := a.host.HandleCommand(ctx, id, cmd); err != nil {
			reply = errorFrame(err)
		} else {
			reply = broadcast.Message{
				Event:     EventCommandResult,
				Data:      commandResponse{Status: string(st)},
				Timestamp: time.Now(),
			}
		}

		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

func (a *API) write(ctx context.Context, conn *websocket.Conn, m broadcast.Message) error {
	wctx, cancel := context.WithTimeout(ctx, a.writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, m)
}

func errorFrame(err error) broadcast.Message {
	body, _ := toErrorBody(err)
	return broadcast.Message{Event: EventCommandError, Data: errorEnvelope{Error: body}, Timestamp: time.Now()}
}
