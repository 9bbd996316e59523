package gatesync

// statusEdges is the only source of legal check-in transitions. completed and
// cancelled have no outgoing edges.
var statusEdges = map[CheckInStatus][]CheckInStatus{
	StatusPending:    {StatusArrived, StatusCancelled},
	StatusArrived:    {StatusWaiting, StatusCancelled},
	StatusWaiting:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

func CanTransition(from, to CheckInStatus) bool {
	for _, next := range statusEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition rejects an illegal status change before it reaches the
// queue or the network.
func ValidateTransition(from, to CheckInStatus) error {
	if !ValidCheckInStatus(from) || !ValidCheckInStatus(to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

func TerminalStatus(status CheckInStatus) bool {
	return status == StatusCompleted || status == StatusCancelled
}
