package jsbridge

import "strconv"

// State is the lifecycle state of a Bridge.
//
//	Pending -> AboutToStart -> Starting -> Started -> Releasing -> Released
//
// Releasing may be entered from AboutToStart, Starting or Started.
type State int32

const (
	Pending State = iota
	AboutToStart
	Starting
	Started
	Releasing
	Released
)

var stateNames = [...]string{"Pending", "AboutToStart", "Starting", "Started", "Releasing", "Released"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// released reports whether the bridge is tearing down or gone.
func (s State) released() bool { return s >= Releasing }
