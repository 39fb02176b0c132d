package credits

import "fmt"

// UnknownCombinationError means the cost table has no entry for a
// (node type, provider) pair. This is a deployment configuration bug:
// callers must check provider availability before offering a provider
// for a node type.
type UnknownCombinationError struct {
	NodeType string
	Provider string
}

func (e *UnknownCombinationError) Error() string {
	return fmt.Sprintf("no cost entry for node type %q with provider %q", e.NodeType, e.Provider)
}

// InsufficientCreditsError is returned when a reservation would exceed
// the account's available balance. Nothing is charged; the node that
// requested the reservation stays ready.
type InsufficientCreditsError struct {
	AccountID string
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("account %q: insufficient credits: need %d, have %d", e.AccountID, e.Required, e.Available)
}

// ErrUnknownAccount is returned for operations on an account id the
// ledger has never seen.
type ErrUnknownAccount struct {
	AccountID string
}

func (e *ErrUnknownAccount) Error() string {
	return fmt.Sprintf("unknown account %q", e.AccountID)
}

// ErrUnknownReservation is returned when settling or releasing a
// reservation id the ledger does not hold.
type ErrUnknownReservation struct {
	ReservationID string
}

func (e *ErrUnknownReservation) Error() string {
	return fmt.Sprintf("unknown reservation %q", e.ReservationID)
}
