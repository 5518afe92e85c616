// Package command defines the user-visible ledger mutations (spec
// §3 "Command") and the validation invariant each must satisfy before
// it is allowed to enter the replication pipeline.
package command

import (
	"fmt"

	"github.com/google/uuid"

	"ledgerd/internal/ledgerr"
)

// Kind tags which mutation a Command carries.
type Kind int

const (
	Create Kind = iota
	Deposit
	Withdraw
	Transfer
	Pay
	Refund
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "Create"
	case Deposit:
		return "Deposit"
	case Withdraw:
		return "Withdraw"
	case Transfer:
		return "Transfer"
	case Pay:
		return "Pay"
	case Refund:
		return "Refund"
	default:
		return "Unknown"
	}
}

// Command is a single user-visible mutation, carrying a fresh
// command id and the originating site so replicas can deduplicate
// retransmissions (spec §4.6).
type Command struct {
	ID         string
	Originator string
	Kind       Kind

	UserID string // Create, Deposit, Withdraw, Pay
	From   string // Transfer
	To     string // Transfer
	Amount float64
	TxID   string // Refund
}

// Stamp assigns a fresh command id and the originating site to a
// Command built via the New* constructors below, ready for submit.
func Stamp(originator string, c Command) Command {
	c.ID = uuid.NewString()
	c.Originator = originator
	return c
}

func NewCreate(userID string) Command {
	return Command{Kind: Create, UserID: userID}
}

func NewDeposit(userID string, amount float64) Command {
	return Command{Kind: Deposit, UserID: userID, Amount: amount}
}

func NewWithdraw(userID string, amount float64) Command {
	return Command{Kind: Withdraw, UserID: userID, Amount: amount}
}

func NewTransfer(from, to string, amount float64) Command {
	return Command{Kind: Transfer, From: from, To: to, Amount: amount}
}

func NewPay(userID string, amount float64) Command {
	return Command{Kind: Pay, UserID: userID, Amount: amount}
}

func NewRefund(txID string) Command {
	return Command{Kind: Refund, TxID: txID}
}

// Validate enforces the structural invariant from spec §3: amount > 0
// for money commands, and Refund must name a transaction id. It does
// not check ledger state (insufficient funds, unknown user) — that is
// the ledger adapter's job at apply time.
func (c Command) Validate() error {
	switch c.Kind {
	case Create:
		if c.UserID == "" {
			return ledgerr.New(ledgerr.KindValidation, "command.Validate", fmt.Errorf("Create requires a user id"))
		}
	case Deposit, Withdraw, Pay:
		if c.UserID == "" {
			return ledgerr.New(ledgerr.KindValidation, "command.Validate", fmt.Errorf("%s requires a user id", c.Kind))
		}
		if c.Amount <= 0 {
			return ledgerr.New(ledgerr.KindValidation, "command.Validate", ledgerr.ErrInvalidAmount)
		}
	case Transfer:
		if c.From == "" || c.To == "" {
			return ledgerr.New(ledgerr.KindValidation, "command.Validate", fmt.Errorf("Transfer requires from and to user ids"))
		}
		if c.Amount <= 0 {
			return ledgerr.New(ledgerr.KindValidation, "command.Validate", ledgerr.ErrInvalidAmount)
		}
	case Refund:
		if c.TxID == "" {
			return ledgerr.New(ledgerr.KindValidation, "command.Validate", fmt.Errorf("Refund requires a transaction id"))
		}
	default:
		return ledgerr.New(ledgerr.KindValidation, "command.Validate", fmt.Errorf("unknown command kind %d", c.Kind))
	}
	return nil
}
