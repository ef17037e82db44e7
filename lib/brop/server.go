package brop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/nrednav/cuid2"

	"github.com/openbrop/bridge/lib/ident"
)

const (
	readLimit    = 10 * 1024 * 1024
	writeTimeout = 10 * time.Second
)

// Handler is implemented by the session router. Requests on one connection
// are handled serially; the returned response is written by the server.
type Handler interface {
	HandleBROP(ctx context.Context, c *Client, req Request) Response
}

// Client is one BROP websocket connection. BROP has no server-initiated
// frames, so responses are written inline by the read loop and no outbound
// queue is needed.
type Client struct {
	id  ident.ClientID
	log *slog.Logger
	ws  *websocket.Conn
}

// ID identifies this connection in logs and the call log.
func (c *Client) ID() ident.ClientID { return c.id }

// Server accepts BROP websocket connections.
type Server struct {
	log     *slog.Logger
	handler Handler
}

// NewServer creates a BROP server.
func NewServer(log *slog.Logger, handler Handler) *Server {
	return &Server{log: log, handler: handler}
}

// Handler returns the HTTP handler clients connect to.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			s.log.Error("brop websocket accept failed", "err", err)
			return
		}
		ws.SetReadLimit(readLimit)

		client := &Client{
			id:  ident.ClientID("brop-" + cuid2.Generate()),
			log: s.log,
			ws:  ws,
		}
		s.log.Info("brop client connected", "client", client.id)
		s.readLoop(r.Context(), client)
		_ = ws.Close(websocket.StatusNormalClosure, "closing")
		s.log.Info("brop client disconnected", "client", client.id)
	}
}

func (s *Server) readLoop(ctx context.Context, client *Client) {
	for {
		_, data, err := client.ws.Read(ctx)
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.write(ctx, client, Fail(nil, fmt.Sprintf("invalid JSON: %v", err)))
			continue
		}
		resp := s.handler.HandleBROP(ctx, client, req)
		s.write(ctx, client, resp)
	}
}

func (s *Server) write(ctx context.Context, client *Client, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("brop marshal response failed", "err", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := client.ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		s.log.Warn("brop write failed", "client", client.id, "err", err)
	}
}
