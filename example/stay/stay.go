package stay

import (
	"errors"

	"github.com/aneshas/eventlog/aggregate"
)

// ErrStayEnded is returned when acting on a stay that has already been
// checked out
var ErrStayEnded = errors.New("stay has already ended")

// CheckIn checks a guest into a room and starts a new stay
func CheckIn(id ID, guestID string, roomNo string) (*Stay, error) {
	var s Stay

	s.Rehydrate(&s)

	s.Apply(
		GuestCheckedIn{
			StayID:  id.String(),
			GuestID: guestID,
			RoomNo:  roomNo,
		},
	)

	return &s, nil
}

// ID represents a stay ID
type ID string

// String implements fmt.Stringer
func (id ID) String() string { return string(id) }

// Stay represents a guest stay aggregate
type Stay struct {
	aggregate.Root[ID]

	GuestID string
	RoomNo  string
	Nights  int
	Ended   bool
}

// RecordNight records another night stayed
func (s *Stay) RecordNight() error {
	if s.Ended {
		return ErrStayEnded
	}

	s.Apply(
		NightStayed{
			StayID: s.StringID(),
			Night:  s.Nights + 1,
		},
	)

	return nil
}

// CheckOut checks the guest out and ends the stay
func (s *Stay) CheckOut() error {
	if s.Ended {
		return ErrStayEnded
	}

	s.Apply(
		GuestCheckedOut{
			StayID: s.StringID(),
			Nights: s.Nights,
		},
	)

	return nil
}

// OnGuestCheckedIn handler
func (s *Stay) OnGuestCheckedIn(evt GuestCheckedIn) {
	s.SetID(ID(evt.StayID))

	s.GuestID = evt.GuestID
	s.RoomNo = evt.RoomNo
}

// OnNightStayed handler
func (s *Stay) OnNightStayed(evt NightStayed) {
	s.Nights = evt.Night
}

// OnGuestCheckedOut handler
func (s *Stay) OnGuestCheckedOut(GuestCheckedOut) {
	s.Ended = true
}
