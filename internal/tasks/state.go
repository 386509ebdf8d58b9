package tasks

import "fmt"

// Phase is a state of the sync state machine.
//
//	Idle → Listing → Classifying → Fetching → Persisting → Reporting → Idle
//	Listing → Aborted → Idle
type Phase int

const (
	Idle Phase = iota
	Listing
	Classifying
	Fetching
	Persisting
	Reporting
	Aborted
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Listing:
		return "listing"
	case Classifying:
		return "classifying"
	case Fetching:
		return "fetching"
	case Persisting:
		return "persisting"
	case Reporting:
		return "reporting"
	case Aborted:
		return "aborted"
	default:
		return ""
	}
}

var transitions = map[Phase][]Phase{
	Idle:        {Listing},
	Listing:     {Classifying, Aborted},
	Classifying: {Fetching, Idle},
	Fetching:    {Persisting},
	Persisting:  {Reporting},
	Reporting:   {Idle},
	Aborted:     {Idle},
}

// CanTransition reports whether the machine may move from one phase to another.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// machine tracks the phase of one run. Invalid transitions are programming errors and panic.
type machine struct {
	phase   Phase
	onEnter func(Phase)
}

func newMachine(onEnter func(Phase)) *machine {
	return &machine{phase: Idle, onEnter: onEnter}
}

func (m *machine) to(next Phase) {
	if !CanTransition(m.phase, next) {
		panic(fmt.Sprintf("tasks: invalid phase transition %s -> %s", m.phase, next))
	}
	m.phase = next
	if m.onEnter != nil {
		m.onEnter(next)
	}
}
