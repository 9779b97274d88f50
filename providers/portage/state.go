package portage

// State is where a Driver is in its reconciliation of one resource.
type State int

const (
	StateUnknown State = iota
	StateQueried
	StateInSync
	StateOutOfSync
	StateInstalling
	StateUninstalling
)

var stateNames = [...]string{
	StateUnknown:      "unknown",
	StateQueried:      "queried",
	StateInSync:       "in_sync",
	StateOutOfSync:    "out_of_sync",
	StateInstalling:   "installing",
	StateUninstalling: "uninstalling",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
