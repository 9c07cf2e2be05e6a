package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aneshas/eventlog"
	"github.com/aneshas/eventlog-example/stay"
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

	consumer, err := eventlog.NewConsumer(elog, "stay-console")
	checkErr(err)

	defer consumer.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	defer cancel()

	// Periodically report progress in addition to handling each event
	each, stopFlush := eventlog.FlushAfter(handle, flushSummary, 10*time.Second)

	defer stopFlush()

	err = consumer.Start(ctx, each)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

// handled is read and written under FlushAfter's serialization only
var handled int

func flushSummary() error {
	fmt.Printf("-- processed %d event(s) so far\n", handled)

	return nil
}

// An example consumer that outputs stay events to the console.
// The checkpoint makes it resume where it left off across restarts
func handle(evt eventlog.StoredEvent) error {
	handled++

	switch e := evt.Event.(type) {
	case stay.GuestCheckedIn:
		fmt.Printf("Guest <%s> checked into room %s (stay #%s)\n", e.GuestID, e.RoomNo, e.StayID)

	case stay.NightStayed:
		fmt.Printf("Stay #%s: night %d\n", e.StayID, e.Night)

	case stay.GuestCheckedOut:
		fmt.Printf("Stay #%s ended after %d night(s)\n", e.StayID, e.Nights)

	default:
		fmt.Println("not interested in this event")
	}

	return nil
}

func checkErr(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
