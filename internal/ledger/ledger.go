// Package ledger defines the external-collaborator contract the core
// consumes (spec §1, §9 "dynamic dispatch"): apply a command
// deterministically, read rows back out, and dump/load full state for
// snapshots. The core never depends on a concrete store; it depends on
// this interface.
package ledger

import "ledgerd/internal/command"

// Query selects what Read returns. Kept intentionally small — the
// core only needs balances and transaction history, both scoped to
// the external UI's needs, not this package's.
type Query struct {
	UserID string // used by QueryBalance and QueryUserTransactions; ignored by QueryAllUsers and QueryAllTransactions
	Kind   QueryKind
}

type QueryKind int

const (
	QueryBalance QueryKind = iota
	QueryUserTransactions
	QueryAllTransactions
	QueryAllUsers
)

// User is a row of the Users table.
type User struct {
	ID      string
	Balance float64
}

// Transaction is a row of the Transactions table, recorded at apply
// time by whichever command produced it.
type Transaction struct {
	ID          string // command id that produced this row
	From        string // empty for a pure deposit
	To          string // empty for a pure withdrawal
	Amount      float64
	Refunded    bool
	OriginSite  string
	LamportTime int64
}

// Rows is the polymorphic result of Read; exactly one field is
// populated depending on the Query's Kind.
type Rows struct {
	Balance      float64
	Users        []User
	Transactions []Transaction
}

// Dump is the full state snapshot engines capture (spec §3
// "ledger_dump"). Opaque to everything except the concrete adapter
// that produced it and Load.
type Dump []byte

// LocalLedger is the capability the replicator and snapshot engine
// depend on. Implementations are free to vary (embedded relational
// store, in-memory map for tests) without changing core code (spec
// §9).
type LocalLedger interface {
	// Apply executes cmd against the current state and returns the
	// resulting Transaction row, or a validation error (spec §7:
	// these must never be broadcast). Apply must be a pure function
	// of prior state plus cmd — no locally generated ids or clocks.
	Apply(cmd command.Command, lamport int64, originSite string) (Transaction, error)

	// Read answers a query against current state.
	Read(q Query) (Rows, error)

	// Dump captures the full state for a snapshot.
	Dump() (Dump, error)

	// Load replaces current state with a previously captured Dump —
	// used only during snapshot replay/verification, never in the
	// live apply path.
	Load(Dump) error

	// Close releases underlying resources.
	Close() error
}
