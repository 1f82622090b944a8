package envelope

// Status is an envelope's position on the delivery ladder. It only ever
// moves forward: Sending < Sent < Delivered < Viewed ≤ Disappeared.
// Viewed, Played and Read share a rank; Disappeared is terminal.
type Status string

const (
	StatusSending     Status = "sending"
	StatusSent        Status = "sent"
	StatusDelivered   Status = "delivered"
	StatusViewed      Status = "viewed"
	StatusDisappeared Status = "disappeared"
)

var statusRank = map[Status]int{
	StatusSending:     0,
	StatusSent:        1,
	StatusDelivered:   2,
	StatusViewed:      3,
	StatusDisappeared: 4,
}

// Known reports whether s is a member of the status ladder.
func (s Status) Known() bool {
	_, ok := statusRank[s]
	return ok
}

// AtLeast reports whether s is at or past other on the ladder.
func (s Status) AtLeast(other Status) bool {
	return statusRank[s] >= statusRank[other]
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusDisappeared }
