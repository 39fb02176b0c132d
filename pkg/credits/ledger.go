package credits

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ReservationState tracks a reservation through its lifecycle.
type ReservationState string

const (
	ReservationOpen     ReservationState = "open"
	ReservationSettled  ReservationState = "settled"
	ReservationReleased ReservationState = "released"
)

// Reservation is a temporary hold on credits pending a node's success
// or failure.
type Reservation struct {
	ID        string           `json:"id"`
	AccountID string           `json:"account_id"`
	Credits   int              `json:"credits"`
	State     ReservationState `json:"state"`
	CreatedAt time.Time        `json:"created_at"`
}

// Journal receives ledger mutations for durable storage, so an open
// reservation survives a process crash and a reconciliation pass can
// release it on the next start. A nil journal is valid (memory-only).
type Journal interface {
	ReservationOpened(r Reservation) error
	ReservationClosed(id string, settled bool) error
	AccountUpdated(a Account) error
}

// Ledger guarantees at-most-once charging and no charge-without-success
// for every account it manages. Reservations against the same account
// are serialized by a per-account mutex; distinct accounts do not
// contend.
type Ledger struct {
	mu       sync.Mutex // guards the two maps, never held during account ops
	accounts map[string]*accountState
	open     map[string]*Reservation

	journal Journal
	now     func() time.Time
}

type accountState struct {
	mu       sync.Mutex
	acct     Account
	reserved int // sum of open reservations against this account
}

// NewLedger creates a ledger with an optional journal. A nil journal
// keeps the ledger memory-only, which is what the tests use.
func NewLedger(journal Journal) *Ledger {
	return &Ledger{
		accounts: make(map[string]*accountState),
		open:     make(map[string]*Reservation),
		journal:  journal,
		now:      time.Now,
	}
}

// AddAccount registers (or replaces) an account in the ledger.
func (l *Ledger) AddAccount(a Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[a.ID] = &accountState{acct: a}
}

// Account returns a copy of the account's current balances, after
// applying any pending monthly reset.
func (l *Ledger) Account(accountID string) (Account, error) {
	as, err := l.state(accountID)
	if err != nil {
		return Account{}, err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	as.acct.resetIfNewPeriod(l.now())
	return as.acct, nil
}

// Available returns the credits a new reservation may draw from:
// the account balance minus the sum of open reservations.
func (l *Ledger) Available(accountID string) (int, error) {
	as, err := l.state(accountID)
	if err != nil {
		return 0, err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	as.acct.resetIfNewPeriod(l.now())
	return as.acct.Available() - as.reserved, nil
}

// Reserve atomically checks the available balance and sets aside the
// given credits. The hold is excluded from Available for subsequent
// reservations but not yet recorded as used. Fails with
// *InsufficientCreditsError when the balance (net of open holds) is
// too low.
func (l *Ledger) Reserve(accountID string, creditCost int) (string, error) {
	as, err := l.state(accountID)
	if err != nil {
		return "", err
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	as.acct.resetIfNewPeriod(l.now())

	available := as.acct.Available() - as.reserved
	if creditCost > available {
		return "", &InsufficientCreditsError{AccountID: accountID, Required: creditCost, Available: available}
	}

	r := &Reservation{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Credits:   creditCost,
		State:     ReservationOpen,
		CreatedAt: l.now(),
	}
	as.reserved += creditCost

	l.mu.Lock()
	l.open[r.ID] = r
	l.mu.Unlock()

	if l.journal != nil {
		if err := l.journal.ReservationOpened(*r); err != nil {
			slog.Warn("journal write failed", "reservation", r.ID, "err", err)
		}
	}
	return r.ID, nil
}

// Settle converts a reservation into a permanent monthlyUsed increment.
// Settling an already-settled reservation is a no-op, which covers
// retry-after-crash callers. Settling a released reservation is an
// error: the credits were already returned.
func (l *Ledger) Settle(reservationID string) error {
	return l.close(reservationID, true)
}

// Release cancels a reservation, returning its credits to the available
// balance. Used on node failure and on cancellation before completion.
// Releasing an already-released reservation is a no-op.
func (l *Ledger) Release(reservationID string) error {
	return l.close(reservationID, false)
}

func (l *Ledger) close(reservationID string, settle bool) error {
	l.mu.Lock()
	r, ok := l.open[reservationID]
	l.mu.Unlock()
	if !ok {
		return &ErrUnknownReservation{ReservationID: reservationID}
	}

	as, err := l.state(r.AccountID)
	if err != nil {
		return err
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	// Idempotence: a second settle or release of the same reservation
	// must not move credits twice.
	switch r.State {
	case ReservationSettled:
		if settle {
			return nil
		}
		return &ErrUnknownReservation{ReservationID: reservationID}
	case ReservationReleased:
		if !settle {
			return nil
		}
		return &ErrUnknownReservation{ReservationID: reservationID}
	}

	as.reserved -= r.Credits
	if settle {
		r.State = ReservationSettled
		as.acct.MonthlyUsed += r.Credits
	} else {
		r.State = ReservationReleased
	}

	if l.journal != nil {
		if err := l.journal.ReservationClosed(r.ID, settle); err != nil {
			slog.Warn("journal write failed", "reservation", r.ID, "err", err)
		}
		if err := l.journal.AccountUpdated(as.acct); err != nil {
			slog.Warn("journal write failed", "account", as.acct.ID, "err", err)
		}
	}
	return nil
}

// OpenReservations returns the sum of open holds against an account.
func (l *Ledger) OpenReservations(accountID string) (int, error) {
	as, err := l.state(accountID)
	if err != nil {
		return 0, err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.reserved, nil
}

func (l *Ledger) state(accountID string) (*accountState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	as, ok := l.accounts[accountID]
	if !ok {
		return nil, &ErrUnknownAccount{AccountID: accountID}
	}
	return as, nil
}
