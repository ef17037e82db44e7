package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/openbrop/bridge/lib/ident"
)

// clientReadLimit bounds inbound client frames. Client requests are small;
// bulk data flows bridge to client.
const clientReadLimit = 10 * 1024 * 1024

// Handler is implemented by the session router. HandleRequest is called
// serially per connection, so a handler sees one client's requests in order.
type Handler interface {
	ClientConnected(ctx context.Context, c *Client)
	HandleRequest(ctx context.Context, c *Client, req Request)
	ClientDisconnected(ctx context.Context, c *Client)
}

// Server accepts CDP websocket connections at the browser level and at
// per-target page paths.
type Server struct {
	log            *slog.Logger
	handler        Handler
	queueSize      int
	browserToken   string
	validateTarget func(ident.TargetID) error
}

// NewServer creates a CDP server. queueSize is the per-client outbound
// high-water mark. validateTarget guards page-path upgrades and is consulted
// before the websocket handshake completes.
func NewServer(log *slog.Logger, handler Handler, queueSize int, validateTarget func(ident.TargetID) error) *Server {
	return &Server{
		log:            log,
		handler:        handler,
		queueSize:      queueSize,
		browserToken:   uuid.NewString(),
		validateTarget: validateTarget,
	}
}

// BrowserToken is the path token advertised in /json/version.
func (s *Server) BrowserToken() string { return s.browserToken }

// Mount registers the websocket routes.
func (s *Server) Mount(r chi.Router) {
	r.Get("/", s.handleBrowser)
	r.Get("/devtools/browser/{token}", s.handleBrowser)
	r.Get("/devtools/page/{targetID}", s.handlePage)
}

func (s *Server) handleBrowser(w http.ResponseWriter, r *http.Request) {
	s.accept(w, r, "")
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	targetID := ident.TargetID(chi.URLParam(r, "targetID"))
	if err := s.validateTarget(targetID); err != nil {
		http.Error(w, fmt.Sprintf("No such target id: %s", targetID), http.StatusNotFound)
		return
	}
	s.accept(w, r, targetID)
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request, boundTarget ident.TargetID) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Error("cdp websocket accept failed", "err", err)
		return
	}
	ws.SetReadLimit(clientReadLimit)

	client := newClient(s.log, ws, s.queueSize, boundTarget)
	s.log.Info("cdp client connected", "client", client.ID(), "boundTarget", boundTarget)

	go client.writeLoop()
	s.handler.ClientConnected(r.Context(), client)
	s.readLoop(r.Context(), client)
	s.handler.ClientDisconnected(r.Context(), client)
	client.Close()
	s.log.Info("cdp client disconnected", "client", client.ID())
}

// readLoop parses frames and hands them to the handler one at a time.
// Malformed frames get a local bad-request reply; the connection is kept.
func (s *Server) readLoop(ctx context.Context, client *Client) {
	for {
		_, data, err := client.ws.Read(ctx)
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			_ = client.SendResponse(NewError(0, "", CodeBadRequest, fmt.Sprintf("invalid JSON: %v", err)))
			continue
		}
		if req.ID == nil {
			_ = client.SendResponse(NewError(0, req.SessionID, CodeBadRequest, "request requires an id"))
			continue
		}
		if req.Method == "" {
			_ = client.SendResponse(NewError(*req.ID, req.SessionID, CodeBadRequest, "request requires a method"))
			continue
		}
		s.handler.HandleRequest(ctx, client, req)
	}
}
