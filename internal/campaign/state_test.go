package campaign

import "testing"

func TestLegalEdges(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusDraft, StatusScheduled},
		{StatusDraft, StatusQueued},
		{StatusScheduled, StatusQueued},
		{StatusQueued, StatusSending},
		{StatusSending, StatusCompleted},
		{StatusSending, StatusFailed},
		{StatusQueued, StatusCancelRequested},
		{StatusSending, StatusCancelRequested},
		{StatusScheduled, StatusCancelRequested},
		{StatusCancelRequested, StatusCanceled},
	}
	for _, e := range legal {
		if !CanTransition(e.from, e.to) {
			t.Errorf("expected %s -> %s to be legal", e.from, e.to)
		}
	}
}

func TestIllegalEdges(t *testing.T) {
	illegal := []struct{ from, to Status }{
		{StatusCompleted, StatusSending},
		{StatusCanceled, StatusQueued},
		{StatusFailed, StatusSending},
		{StatusDraft, StatusSending},
		{StatusDraft, StatusCancelRequested},
		{StatusCompleted, StatusCancelRequested},
		{StatusSending, StatusQueued},
		{StatusQueued, StatusCompleted},
	}
	for _, e := range illegal {
		if CanTransition(e.from, e.to) {
			t.Errorf("expected %s -> %s to be rejected", e.from, e.to)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCanceled, StatusFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		if got := AllowedFrom(StatusSending); len(got) == 1 && got[0] == s {
			t.Errorf("terminal state %s must not re-enter sending", s)
		}
	}
	for _, s := range []Status{StatusDraft, StatusScheduled, StatusQueued, StatusSending, StatusCancelRequested} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
