package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aneshas/eventlog"
	"github.com/aneshas/eventlog-example/stay"
)

type staySummary struct {
	GuestID string `json:"guest_id"`
	RoomNo  string `json:"room_no"`
	Nights  int    `json:"nights"`
	Ended   bool   `json:"ended"`
}

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

	projector := eventlog.NewProjector(elog)

	projector.Add(
		eventlog.Projection{
			Name:   "stay-summary",
			Evolve: evolveStaySummary,
		},
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	defer cancel()

	checkErr(projector.Run(ctx))
}

// evolveStaySummary maintains one summary document per stay stream
func evolveStaySummary(doc []byte, evt eventlog.StoredEvent) ([]byte, error) {
	var summary staySummary

	if doc != nil {
		err := json.Unmarshal(doc, &summary)
		if err != nil {
			return nil, err
		}
	}

	switch e := evt.Event.(type) {
	case stay.GuestCheckedIn:
		summary.GuestID = e.GuestID
		summary.RoomNo = e.RoomNo

	case stay.NightStayed:
		summary.Nights = e.Night

	case stay.GuestCheckedOut:
		summary.Ended = true

	default:
		return doc, nil
	}

	return json.Marshal(summary)
}

func checkErr(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
