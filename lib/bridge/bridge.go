// Package bridge assembles the browser automation bridge: the identifier
// registry, the extension channel, the session router, and the four network
// listeners (CDP, BROP, extension control, discovery HTTP).
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/openbrop/bridge/cmd/config"
	"github.com/openbrop/bridge/lib/brop"
	"github.com/openbrop/bridge/lib/calllog"
	"github.com/openbrop/bridge/lib/cdp"
	"github.com/openbrop/bridge/lib/console"
	"github.com/openbrop/bridge/lib/discovery"
	"github.com/openbrop/bridge/lib/extchan"
	"github.com/openbrop/bridge/lib/ident"
	"github.com/openbrop/bridge/lib/logger"
	"github.com/openbrop/bridge/lib/router"
)

// shutdownGrace bounds how long in-flight responses get to flush once the
// run context is cancelled.
const shutdownGrace = 2 * time.Second

// ErrHandshakeRejected aborts the process when the first extension connection
// ever seen fails its hello handshake.
var ErrHandshakeRejected = errors.New("extension handshake rejected")

// BindError reports a listener that could not bind its port.
type BindError struct {
	Name string
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s listener on %s: %v", e.Name, e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Bridge is the assembled process state. Construct with New, then Run.
type Bridge struct {
	log *slog.Logger
	cfg *config.Config

	registry *ident.Registry
	console  *console.Store
	calls    *calllog.Log
	ext      *extchan.Channel
	router   *router.Router
	cdpSrv   *cdp.Server
	bropSrv  *brop.Server
	disco    *discovery.Server

	fatalCh chan error

	mu    sync.Mutex
	addrs map[string]string
}

// New wires the components together. Nothing listens until Run.
func New(log *slog.Logger, cfg *config.Config) *Bridge {
	registry := ident.NewRegistry(cfg.TargetIDPrefix)
	consoleStore := console.NewStore(cfg.MaxConsoleEntriesPerTab)
	calls := calllog.New(cfg.MaxCallLogEntries, cfg.EnableRequestLog)
	ext := extchan.NewChannel(log, time.Duration(cfg.ExtensionCallTimeoutMS)*time.Millisecond)
	rt := router.New(log, registry, ext, consoleStore, calls)

	b := &Bridge{
		log:      log,
		cfg:      cfg,
		registry: registry,
		console:  consoleStore,
		calls:    calls,
		ext:      ext,
		router:   rt,
		fatalCh:  make(chan error, 1),
		addrs:    make(map[string]string),
	}

	handlers := rt.ExtensionHandlers()
	handlers.OnHandshakeFatal = func(err error) {
		select {
		case b.fatalCh <- fmt.Errorf("%w: %v", ErrHandshakeRejected, err):
		default:
		}
	}
	ext.SetHandlers(handlers)

	b.cdpSrv = cdp.NewServer(log, rt, cfg.ClientEventHighWatermark, func(id ident.TargetID) error {
		_, err := registry.ResolveTarget(id)
		return err
	})
	b.disco = discovery.NewServer(
		log, registry, rt, ext, calls, consoleStore,
		discovery.VersionInfo{
			Browser:         "Chrome/131.0.0.0",
			ProtocolVersion: "1.3",
			UserAgent:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
			V8Version:       "13.1",
			WebKitVersion:   "537.36",
		},
		b.cdpSrv.BrowserToken(),
		func() string { return b.Addr("cdp") },
		cfg,
	)
	b.bropSrv = brop.NewServer(log, rt)
	return b
}

// Addr returns the bound host:port of a listener ("cdp", "brop", "ext",
// "http"). Empty until Run has bound it.
func (b *Bridge) Addr(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addrs[name]
}

// Run binds the four listeners and serves until ctx is cancelled or a fatal
// error occurs. On return all listeners are closed.
func (b *Bridge) Run(ctx context.Context) error {
	type endpoint struct {
		name    string
		port    int
		handler http.Handler
	}
	endpoints := []endpoint{
		{"cdp", b.cfg.CDPPort, b.cdpRouter()},
		{"brop", b.cfg.BROPPort, b.bropRouter()},
		{"ext", b.cfg.ExtPort, b.extRouter()},
		{"http", b.cfg.HTTPPort, b.httpRouter()},
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var fatalErr error
	var fatalOnce sync.Once
	fail := func(err error) {
		fatalOnce.Do(func() {
			fatalErr = err
			cancel()
		})
	}

	g, _ := errgroup.WithContext(runCtx)
	servers := make([]*http.Server, 0, len(endpoints))

	for _, ep := range endpoints {
		ep := ep
		addr := fmt.Sprintf("%s:%d", b.cfg.Host, ep.port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, srv := range servers {
				_ = srv.Close()
			}
			return &BindError{Name: ep.name, Addr: addr, Err: err}
		}
		b.mu.Lock()
		b.addrs[ep.name] = ln.Addr().String()
		b.mu.Unlock()

		srv := &http.Server{
			Handler: ep.handler,
			BaseContext: func(net.Listener) context.Context {
				return logger.AddToContext(context.Background(), b.log)
			},
		}
		servers = append(servers, srv)
		b.log.Info("listener started", "name", ep.name, "addr", ln.Addr().String())

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fail(fmt.Errorf("%s listener failed: %w", ep.name, err))
			}
			return nil
		})
	}

	select {
	case <-runCtx.Done():
	case err := <-b.fatalCh:
		fail(err)
	}

	b.log.Info("bridge shutting down")
	b.ext.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	_ = g.Wait()
	return fatalErr
}

// cdpRouter serves the CDP websocket plus the co-served /json discovery
// routes, matching Chrome's single debugging port.
func (b *Bridge) cdpRouter() http.Handler {
	r := b.baseRouter()
	b.disco.Mount(r)
	b.cdpSrv.Mount(r)
	return r
}

func (b *Bridge) bropRouter() http.Handler {
	r := b.baseRouter()
	r.Get("/", b.bropSrv.Handler())
	return r
}

func (b *Bridge) extRouter() http.Handler {
	r := b.baseRouter()
	r.Get("/", b.ext.Handler())
	return r
}

func (b *Bridge) httpRouter() http.Handler {
	r := b.baseRouter()
	b.disco.Mount(r)
	b.disco.MountDiag(r)
	return r
}

func (b *Bridge) baseRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxWithLogger := logger.AddToContext(r.Context(), b.log)
				next.ServeHTTP(w, r.WithContext(ctxWithLogger))
			})
		},
	)
	return r
}
