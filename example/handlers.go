package example

import (
	"context"
	"errors"
	"net/http"

	"github.com/aneshas/eventlog/aggregate"
	"github.com/aneshas/eventlog-example/stay"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// NewCheckInHandlerFunc creates a guest check-in endpoint
func NewCheckInHandlerFunc(store *aggregate.Store[*stay.Stay]) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req struct {
			GuestID string `json:"guest_id"`
			RoomNo  string `json:"room_no"`
		}

		err := c.Bind(&req)
		if err != nil {
			return err
		}

		s, err := stay.CheckIn(stay.ID(uuid.NewString()), req.GuestID, req.RoomNo)
		if err != nil {
			return err
		}

		err = store.Save(c.Request().Context(), s)
		if err != nil {
			return err
		}

		return c.JSON(http.StatusCreated, map[string]string{
			"stay_id": s.StringID(),
		})
	}
}

// NewRecordNightHandlerFunc creates an endpoint which records another
// night stayed for an ongoing stay
func NewRecordNightHandlerFunc(exec aggregate.Executor[*stay.Stay]) echo.HandlerFunc {
	return func(c echo.Context) error {
		var s stay.Stay

		s.ID = stay.ID(c.Param("id"))

		err := exec(c.Request().Context(), &s, func(ctx context.Context) error {
			return s.RecordNight()
		})

		return respond(c, err)
	}
}

// NewCheckOutHandlerFunc creates a guest check-out endpoint
func NewCheckOutHandlerFunc(exec aggregate.Executor[*stay.Stay]) echo.HandlerFunc {
	return func(c echo.Context) error {
		var s stay.Stay

		s.ID = stay.ID(c.Param("id"))

		err := exec(c.Request().Context(), &s, func(ctx context.Context) error {
			return s.CheckOut()
		})

		return respond(c, err)
	}
}

func respond(c echo.Context, err error) error {
	switch {
	case err == nil:
		return c.NoContent(http.StatusNoContent)

	case errors.Is(err, aggregate.ErrAggregateNotFound):
		return c.NoContent(http.StatusNotFound)

	case errors.Is(err, stay.ErrStayEnded):
		return c.JSON(http.StatusConflict, map[string]string{
			"error": err.Error(),
		})

	default:
		return err
	}
}
