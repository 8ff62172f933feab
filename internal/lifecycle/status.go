package lifecycle

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending        Status = "pending"
	StatusPreparing      Status = "preparing"
	StatusReady          Status = "ready"
	StatusDining         Status = "dining"
	StatusDelivered      Status = "delivered"
	StatusPaymentPending Status = "payment_pending"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

// AllStatuses lists every order status in forward order.
var AllStatuses = []Status{
	StatusPending,
	StatusPreparing,
	StatusReady,
	StatusDining,
	StatusDelivered,
	StatusPaymentPending,
	StatusCompleted,
	StatusCancelled,
}

// stage ranks statuses on the forward path. dining and delivered are the
// two flavours of the same "served" stage. cancelled is off the path.
var stage = map[Status]int{
	StatusPending:        0,
	StatusPreparing:      1,
	StatusReady:          2,
	StatusDining:         3,
	StatusDelivered:      3,
	StatusPaymentPending: 4,
	StatusCompleted:      5,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	if s == StatusCancelled {
		return true
	}
	_, ok := stage[s]
	return ok
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Stage returns the forward-path rank of s, or -1 for cancelled and unknown
// statuses.
func (s Status) Stage() int {
	if r, ok := stage[s]; ok {
		return r
	}
	return -1
}

// Reached reports whether an order currently at s has already reached
// target, either exactly or by moving past it on the forward path. Dining
// and delivered share a rank but neither reaches the other.
func (s Status) Reached(target Status) bool {
	if s == target {
		return true
	}
	if s == StatusCancelled || target == StatusCancelled {
		return false
	}
	cur, ok1 := stage[s]
	want, ok2 := stage[target]
	return ok1 && ok2 && cur > want
}

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	return st, st.Valid()
}

// LineStatus is the kitchen sub-status of a single order line.
type LineStatus string

const (
	LineQueued    LineStatus = "queued"
	LinePreparing LineStatus = "preparing"
	LineReady     LineStatus = "ready"
)

var lineRank = map[LineStatus]int{
	LineQueued:    0,
	LinePreparing: 1,
	LineReady:     2,
}

var lineNext = map[LineStatus]LineStatus{
	LineQueued:    LinePreparing,
	LinePreparing: LineReady,
}

// Valid reports whether s is a known line status.
func (s LineStatus) Valid() bool {
	return s == LineQueued || s == LinePreparing || s == LineReady
}

// ParseLineStatus converts a string into a LineStatus.
func ParseLineStatus(s string) (LineStatus, bool) {
	ls := LineStatus(s)
	return ls, ls.Valid()
}
