package escrow

// transitions is the closed state machine for escrow transactions. Completed,
// cancelled and refunded have no exits; disputed may return to funds_held only
// through dispute resolution.
var transitions = map[Status][]Status{
	StatusPending:         {StatusFundsHeld, StatusDisputed, StatusCancelled},
	StatusFundsHeld:       {StatusBuyerConfirmed, StatusSellerConfirmed, StatusCompleted, StatusDisputed, StatusCancelled},
	StatusBuyerConfirmed:  {StatusCompleted, StatusDisputed},
	StatusSellerConfirmed: {StatusCompleted, StatusDisputed},
	StatusDisputed:        {StatusFundsHeld, StatusRefunded, StatusCompleted},
	StatusCompleted:       nil,
	StatusCancelled:       nil,
	StatusRefunded:        nil,
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions exist for s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Disputable reports whether a dispute may be raised in state s.
func (s Status) Disputable() bool {
	switch s {
	case StatusPending, StatusFundsHeld, StatusBuyerConfirmed, StatusSellerConfirmed:
		return true
	}
	return false
}

// Valid reports whether s is a member of the closed status enum.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}
