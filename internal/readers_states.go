package internal

import "github.com/ebfe/scard"

type ReadersStates []scard.ReaderState

func newReadersStates(names []string) ReadersStates {
	rs := make(ReadersStates, len(names))
	for i, name := range names {
		rs[i].Reader = name
		rs[i].CurrentState = scard.StateUnaware
	}
	return rs
}

func (rs ReadersStates) Empty() bool {
	return len(rs) == 0
}

func (rs ReadersStates) find(reader string) (scard.ReaderState, bool) {
	for _, state := range rs {
		if state.Reader == reader {
			return state, true
		}
	}
	return scard.ReaderState{}, false
}

func (rs ReadersStates) Contains(reader string) bool {
	_, ok := rs.find(reader)
	return ok
}

func (rs ReadersStates) ReaderHasCard(reader string) bool {
	state, ok := rs.find(reader)
	return ok && state.EventState&scard.StatePresent != 0
}

func (rs ReadersStates) Update() {
	for i := range rs {
		rs[i].CurrentState = rs[i].EventState
	}
}

// Known drops readers that were unplugged but are still listed.
func (rs ReadersStates) Known() ReadersStates {
	known := make(ReadersStates, 0, len(rs))
	for _, state := range rs {
		if state.EventState&scard.StateUnknown == 0 {
			known = append(known, state)
		}
	}
	return known
}

// FirstWithCard returns the first reader holding a card. Only one device
// is driven at a time.
func (rs ReadersStates) FirstWithCard() (string, bool) {
	for _, state := range rs {
		if state.EventState&scard.StatePresent != 0 {
			return state.Reader, true
		}
	}
	return "", false
}
