package cmd

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"go.uber.org/fx"

	"github.com/chatrelay/delivery-core/internal/config"
	"github.com/chatrelay/delivery-core/internal/domain/registry"
	"github.com/chatrelay/delivery-core/internal/handler/ws"
	"github.com/chatrelay/delivery-core/internal/store"
)

// tunablesHolder lets a hot config reload swap in a fresh snapshot
// without tearing down the fx graph or any live connection; each new
// Actor reads the current snapshot at upgrade time.
type tunablesHolder struct {
	v atomic.Value
}

func newTunablesHolder(initial config.Tunables) *tunablesHolder {
	h := &tunablesHolder{}
	h.v.Store(initial)
	return h
}

func (h *tunablesHolder) get() config.Tunables { return h.v.Load().(config.Tunables) }
func (h *tunablesHolder) set(t config.Tunables) { h.v.Store(t) }

// NewApp wires the delivery core: the two process-wide registries, the
// in-memory reference store behind a circuit breaker, the /ws upgrade
// handler, and an HTTP server hosting it — all as an fx.App so
// lifecycle start/stop follows the teacher's own fx-based cmd/fx.go
// shape.
func NewApp(tunables config.Tunables, loader *config.Loader, log *slog.Logger) *fx.App {
	holder := newTunablesHolder(tunables)
	loader.Watch(func(t config.Tunables) { holder.set(t) })

	return fx.New(
		fx.Provide(
			func() *slog.Logger { return log },
			func() *tunablesHolder { return holder },
			registry.NewPresence,
			func(h *tunablesHolder) store.Store {
				return store.NewBreakerStore(store.NewMemStore(), store.DefaultBreakerConfig())
			},
			func(h *tunablesHolder) *registry.Broadcast {
				return registry.NewBroadcast(h.get().BusCapacity)
			},
			func(log *slog.Logger, p *registry.Presence, b *registry.Broadcast, st store.Store, h *tunablesHolder) *ws.Handler {
				return ws.NewHandler(log, p, b, st, h.get)
			},
			newRouter,
			newHTTPServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func newRouter(handler *ws.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/ws", handler.ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func newHTTPServer(h *tunablesHolder, router *chi.Mux) *http.Server {
	return &http.Server{
		Addr:    h.get().ListenAddr,
		Handler: router,
	}
}

func registerLifecycle(lc fx.Lifecycle, srv *http.Server, log *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("SERVER_LISTENING", "addr", srv.Addr)
			go func() {
				if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
					log.Error("SERVER_FAILED", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
