package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter serves the pull-based metrics endpoint. Binding the listener is
// the only fatal failure in the router: running unobserved is not an
// acceptable state.
type Exporter struct {
	metrics *Metrics
	router  chi.Router
}

// NewExporter wires the exposition and health routes.
func NewExporter(m *Metrics) *Exporter {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return &Exporter{metrics: m, router: r}
}

// Mount attaches an extra handler, e.g. the peer directory summary.
func (e *Exporter) Mount(pattern string, h http.Handler) {
	e.router.Method(http.MethodGet, pattern, h)
}

// Handler exposes the router for tests.
func (e *Exporter) Handler() http.Handler { return e.router }

// Serve binds addr and serves until ctx is cancelled. A bind failure is
// returned immediately so the caller can abort startup.
func (e *Exporter) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind metrics exporter on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           e.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
