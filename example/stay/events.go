package stay

// GuestCheckedIn domain event indicates that a guest has
// checked into a room
type GuestCheckedIn struct {
	StayID  string
	GuestID string
	RoomNo  string
}

// NightStayed domain event indicates that the guest has
// stayed another night
type NightStayed struct {
	StayID string
	Night  int
}

// GuestCheckedOut domain event indicates that the guest has
// checked out
type GuestCheckedOut struct {
	StayID string
	Nights int
}
