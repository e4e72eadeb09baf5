package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const writeTimeout = 5 * time.Second

// API serves the monitor table over HTTP and a websocket change stream.
type API struct {
	echo     *echo.Echo
	table    *Table
	upgrader websocket.Upgrader
}

// NewAPI constructs the Echo app over the table.
func NewAPI(table *Table) *API {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	a := &API{
		echo:  e,
		table: table,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
	e.GET("/health", a.handleHealth)
	e.GET("/api/servers", a.handleServers)
	e.GET("/ws", a.handleWebSocket)
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

func (a *API) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleServers(c echo.Context) error {
	return c.JSON(http.StatusOK, a.table.Rows())
}

// handleWebSocket upgrades one request, sends the current table and streams
// every change until the client disconnects.
func (a *API) handleWebSocket(c echo.Context) error {
	conn, err := a.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	a.serveConn(conn)
	return nil
}

func (a *API) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	feed := a.table.Subscribe()
	defer a.table.Unsubscribe(feed)

	// Drain inbound frames so pings and close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(a.table.Rows()); err != nil {
		return
	}

	for {
		select {
		case <-done:
			return
		case rows := <-feed:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(rows); err != nil {
				return
			}
		}
	}
}
