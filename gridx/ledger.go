package gridx

import (
	"github.com/hashicorp/go-hclog"

	"github.com/Jay-Jay-Tee/the-grid-x/gridx/state"
)

// Ledger is the credit economy over the durable balance column. It is the
// only place negative balances are prevented; nothing else writes balances
// directly.
type Ledger struct {
	state  *state.StateStore
	config *Config
	logger hclog.Logger
}

// NewLedger wires the ledger onto the store.
func NewLedger(store *state.StateStore, config *Config, logger hclog.Logger) *Ledger {
	return &Ledger{
		state:  store,
		config: config,
		logger: logger.Named("ledger"),
	}
}

// EnsureUser creates the balance row with the configured initial credits if
// absent. Idempotent.
func (l *Ledger) EnsureUser(userID string) error {
	return l.state.EnsureCredits(userID, l.config.InitialCredits)
}

// Balance reads the current balance; zero when the user is unknown.
func (l *Ledger) Balance(userID string) (float64, error) {
	return l.state.Balance(userID)
}

// Deduct debits amount if and only if the balance covers it. Two concurrent
// callers whose total exceeds the balance cannot both succeed; the guard is
// a single conditional UPDATE.
func (l *Ledger) Deduct(userID string, amount float64) (bool, error) {
	ok, err := l.state.Deduct(userID, amount)
	if err != nil {
		return false, err
	}
	if ok {
		l.logger.Debug("deducted credits", "user_id", userID, "amount", amount)
	}
	return ok, nil
}

// Credit adds amount to the balance, creating the user at zero if absent.
func (l *Ledger) Credit(userID string, amount float64) error {
	if amount <= 0 {
		return nil
	}
	if err := l.state.Credit(userID, amount); err != nil {
		return err
	}
	l.logger.Debug("credited", "user_id", userID, "amount", amount)
	return nil
}

// MaxReserve is the worst-case cost of a job given its declared timeout.
func (l *Ledger) MaxReserve(timeoutSeconds int) float64 {
	return l.config.CostRatePerSecond*float64(timeoutSeconds) + l.config.CostBase
}

// TimeCost prices an actual run, clamped into [0, reserved].
func (l *Ledger) TimeCost(durationSeconds, reserved float64) float64 {
	cost := l.config.CostRatePerSecond*durationSeconds + l.config.CostBase
	if cost < 0 {
		cost = 0
	}
	if cost > reserved {
		cost = reserved
	}
	return cost
}
