package duplex

import "testing"

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to State
		want     bool
	}{
		{Idle, Connecting, true},
		{Idle, Connected, false},
		{Connecting, Connected, true},
		{Connecting, Error, true},
		{Connecting, Closing, true},
		{Connected, Closing, true},
		{Connected, Error, true},
		{Connected, Connecting, false},
		{Closing, Closed, true},
		{Closing, Error, false},
		{Error, Closed, true},
		{Error, Connecting, false},
		{Closed, Connecting, false},
		{Closed, Closed, false},
	}
	for _, tc := range tests {
		if got := canTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("%s → %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	if Connected.String() != "connected" || State(42).String() != "State(42)" {
		t.Errorf("unexpected names: %s %s", Connected, State(42))
	}
	if !Closed.Terminal() || Error.Terminal() {
		t.Error("Terminal misreports")
	}
}

func TestErrorKindFatal(t *testing.T) {
	t.Parallel()
	for _, k := range []ErrorKind{CaptureDenied, ConnectionError, OutputUnavailable} {
		if !k.Fatal() {
			t.Errorf("%s not fatal", k)
		}
	}
	for _, k := range []ErrorKind{DecodeError, EncodeError, UnknownMessageShape} {
		if k.Fatal() {
			t.Errorf("%s fatal", k)
		}
	}
}
