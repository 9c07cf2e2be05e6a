package main

import (
	"log"

	"github.com/aneshas/eventlog"
	"github.com/aneshas/eventlog/aggregate"
	example "github.com/aneshas/eventlog-example"
	"github.com/aneshas/eventlog-example/stay"
	"github.com/labstack/echo/v4"
)

func main() {
	elog, err := eventlog.New(
		eventlog.NewJSONEncoder(
			stay.GuestCheckedIn{},
			stay.NightStayed{},
			stay.GuestCheckedOut{},
		),
		eventlog.WithSQLiteDB("exampledb"),
	)
	checkErr(err)

	defer func() {
		_ = elog.Close()
	}()

	store := aggregate.NewStore[*stay.Stay](elog)
	exec := aggregate.NewExecutor(store)

	e := echo.New()

	e.POST("/stays", example.NewCheckInHandlerFunc(store))
	e.POST("/stays/:id/nights", example.NewRecordNightHandlerFunc(exec))
	e.POST("/stays/:id/checkout", example.NewCheckOutHandlerFunc(exec))

	log.Fatal(e.Start(":8080"))
}

func checkErr(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
