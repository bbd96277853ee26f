// Package campaign holds the campaign lifecycle state machine.
//
// The transition table here is authoritative; everything that mutates a
// campaign's status goes through a conditional store update whose allowed
// prior states come from this table. The package is pure logic with no I/O.
package campaign

type Status string

const (
	StatusDraft           Status = "draft"
	StatusScheduled       Status = "scheduled"
	StatusQueued          Status = "queued"
	StatusSending         Status = "sending"
	StatusCompleted       Status = "completed"
	StatusCancelRequested Status = "cancel_requested"
	StatusCanceled        Status = "canceled"
	StatusFailed          Status = "failed"
)

// transitions maps a target status to the set of states it may be entered
// from. Terminal states have no outgoing edges.
var transitions = map[Status][]Status{
	StatusScheduled:       {StatusDraft},
	StatusQueued:          {StatusDraft, StatusScheduled},
	StatusSending:         {StatusQueued},
	StatusCompleted:       {StatusSending},
	StatusCancelRequested: {StatusQueued, StatusSending, StatusScheduled},
	StatusCanceled:        {StatusCancelRequested},
	StatusFailed:          {StatusSending},
}

// AllowedFrom returns the states from which to may legally be entered.
// The returned slice is shared; callers must not mutate it.
func AllowedFrom(to Status) []Status {
	return transitions[to]
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Terminal reports whether no further lifecycle transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusFailed:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusQueued, StatusSending,
		StatusCompleted, StatusCancelRequested, StatusCanceled, StatusFailed:
		return true
	}
	return false
}
