package adminapi

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/sagernet/sing-expose/log"
	"github.com/sagernet/sing/common/json"

	"github.com/coder/websocket"
	"github.com/go-chi/render"
)

type Log struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

func getLogs(logFactory log.ObservableFactory) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		levelText := r.URL.Query().Get("level")
		if levelText == "" {
			levelText = "info"
		}

		level, err := log.ParseLevel(levelText)
		if err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, ErrBadRequest)
			return
		}

		subscription, done, err := logFactory.Subscribe()
		if err != nil {
			render.Status(r, http.StatusNoContent)
			return
		}
		defer logFactory.UnSubscribe(subscription)

		var wsConn *websocket.Conn
		if r.Header.Get("Upgrade") != "" {
			wsConn, err = websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
			if err != nil {
				return
			}
			defer wsConn.CloseNow()
		}

		if wsConn == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			if flusher, isFlusher := w.(http.Flusher); isFlusher {
				flusher.Flush()
			}
		}

		ctx := r.Context()
		buf := &bytes.Buffer{}
		var logEntry log.Entry
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case logEntry = <-subscription:
			}
			if logEntry.Level > level {
				continue
			}
			buf.Reset()
			err = json.NewEncoder(buf).Encode(Log{
				Type:    log.FormatLevel(logEntry.Level),
				Payload: logEntry.Message,
			})
			if err != nil {
				return
			}
			if wsConn == nil {
				_, err = w.Write(buf.Bytes())
				if flusher, isFlusher := w.(http.Flusher); isFlusher {
					flusher.Flush()
				}
			} else {
				writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				err = wsConn.Write(writeCtx, websocket.MessageText, buf.Bytes())
				cancel()
			}
			if err != nil {
				return
			}
		}
	}
}
