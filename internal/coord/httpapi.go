package coord

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// API is the optional observability surface of one server: health, a state
// snapshot and Prometheus metrics.
type API struct {
	echo   *echo.Echo
	server *Server
}

// NewAPI constructs the Echo app over the server and its metrics registry.
func NewAPI(s *Server, reg *prometheus.Registry) *API {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	a := &API{echo: e, server: s}
	e.GET("/health", a.handleHealth)
	e.GET("/api/state", a.handleState)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	return a
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (a *API) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := a.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Role   string `json:"role"`
}

func (a *API) handleHealth(c echo.Context) error {
	snap := a.server.Snapshot()
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Role: snap.Role})
}

func (a *API) handleState(c echo.Context) error {
	return c.JSON(http.StatusOK, a.server.Snapshot())
}
