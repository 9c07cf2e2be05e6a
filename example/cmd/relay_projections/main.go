package main

import (
	"fmt"
	"log"

	"github.com/aneshas/eventlog"
	"github.com/aneshas/eventlog/relay"
	"github.com/aneshas/eventlog/relay/echorelay"
	"github.com/aneshas/eventlog-example/stay"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func main() {
	e := echo.New()

	e.Use(middleware.BasicAuth(func(username, password string, c echo.Context) (bool, error) {
		if username == "user" && password == "pass" {
			return true, nil
		}

		return false, nil
	}))

	hf := echorelay.Wrap(
		relay.New(eventlog.NewJSONEncoder(eventSubscriptions...)),
	)

	e.POST("/projections/stays/v1", hf(NewConsoleOutputProjection()))

	log.Fatal(e.Start(":8181"))
}

var eventSubscriptions = []any{
	stay.GuestCheckedIn{},
	stay.NightStayed{},
	stay.GuestCheckedOut{},
}

// NewConsoleOutputProjection constructs an example projection that outputs
// pushed stay events to the console. It might as well be to any kind of
// database, disk, memory etc...
func NewConsoleOutputProjection() relay.Handler {
	return func(data eventlog.StoredEvent) error {
		switch evt := data.Event.(type) {
		case stay.GuestCheckedIn:
			fmt.Printf("Guest <%s> checked into room %s\n", evt.GuestID, evt.RoomNo)

		case stay.GuestCheckedOut:
			fmt.Printf("Stay #%s ended after %d night(s)\n", evt.StayID, evt.Nights)

		default:
			fmt.Println("not interested in this event")
		}

		return nil
	}
}
