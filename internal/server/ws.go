package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/stream"
)

const (
	// wsReadLimit bounds a single binary frame from the client.
	wsReadLimit = 1 << 20

	// wsWriteTimeout bounds delivery of one event to the client.
	wsWriteTimeout = 10 * time.Second
)

// GET /ws/transcribe_stream
//
// Binary frames carry raw 16-bit PCM. A text frame "close", or a close frame
// from the client, flushes the remaining audio. A connection that drops
// without either is aborted and its buffered audio discarded. Events are
// JSON text frames such as {"partial": "..."} and {"error": "..."}.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		// Accept has already written the HTTP error.
		observe.Logger(r.Context()).Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	ctx := r.Context()
	log := observe.Logger(ctx)

	sink := stream.SinkFunc(func(ctx context.Context, ev stream.Event) error {
		wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()
		return wsjson.Write(wctx, conn, ev)
	})
	sess, err := s.streams.Open(ctx, sink)
	if err != nil {
		log.Error("open stream session", "err", err)
		_ = wsjson.Write(ctx, conn, stream.Event{Error: "stream unavailable"})
		conn.Close(websocket.StatusInternalError, "stream unavailable")
		return
	}
	log = log.With("session_id", sess.ID())

	// The session may end on its own (idle timeout, sink failure, shutdown);
	// closing the connection then unblocks the read loop.
	readDone := make(chan struct{})
	go func() {
		select {
		case <-sess.Done():
			status, reason := websocket.StatusNormalClosure, ""
			if err := sess.Err(); err != nil {
				status, reason = websocket.StatusGoingAway, closeReason(err)
			}
			conn.Close(status, reason)
		case <-readDone:
		}
	}()

	flush := readFrames(ctx, conn, sess, log)
	close(readDone)

	if flush {
		_ = sess.Close()
	} else {
		sess.Abort()
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// readFrames feeds binary frames to sess until the client asks to close,
// goes away, or the session stops accepting audio. It reports whether the
// client ended the stream deliberately, in which case the remainder is
// flushed.
func readFrames(ctx context.Context, conn *websocket.Conn, sess *stream.Session, log *slog.Logger) (flush bool) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				return true
			}
			if !errors.Is(err, context.Canceled) {
				log.Debug("websocket dropped, discarding buffered audio", "err", err)
			}
			return false
		}
		switch typ {
		case websocket.MessageBinary:
			if err := sess.Ingest(data); err != nil {
				return true
			}
		case websocket.MessageText:
			if strings.EqualFold(strings.TrimSpace(string(data)), "close") {
				return true
			}
			log.Debug("ignoring text frame", "len", len(data))
		}
	}
}

// closeReason fits err into a WebSocket close reason, which is limited to
// 123 bytes.
func closeReason(err error) string {
	msg := err.Error()
	if len(msg) <= 120 {
		return msg
	}
	n := 120
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}
