// Package echorelay adapts the relay to echo handler funcs
package echorelay

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/aneshas/eventlog/relay"
	"github.com/labstack/echo/v4"
)

var _ Projector = (*relay.Relay)(nil)

// Projector is an interface for projecting pushed events
type Projector interface {
	Project(ctx context.Context, handler relay.Handler, data []byte) error
}

// Wrap returns a func wrapper around the relay which adapts it to echo.HandlerFunc
func Wrap(p Projector) func(handler relay.Handler) echo.HandlerFunc {
	return func(handler relay.Handler) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()

			req, err := io.ReadAll(r.Body)
			if err != nil {
				return err
			}

			err = p.Project(r.Context(), handler, req)
			if err != nil {
				if errors.Is(err, relay.ErrKeepItGoing) {
					return c.JSONBlob(http.StatusOK, []byte(relay.KeepGoingResp))
				}

				return c.JSONBlob(http.StatusOK, []byte(relay.RetryResp))
			}

			return c.JSONBlob(http.StatusOK, []byte(relay.SuccessResp))
		}
	}
}
