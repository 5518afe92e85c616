package ledger

import (
	"bytes"
	"encoding/gob"
	"sync"

	"ledgerd/internal/command"
	"ledgerd/internal/ledgerr"
)

// Memory is an in-memory LocalLedger, the "in-memory map for tests"
// variant spec §9 calls out. All operations are serialized by mu,
// giving the single-writer guarantee spec §5 assumes of the ledger
// adapter.
type Memory struct {
	mu     sync.Mutex
	users  map[string]float64
	txs    []Transaction
	seenID map[string]bool // command_id idempotency set, spec §4.6
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		users:  make(map[string]float64),
		seenID: make(map[string]bool),
	}
}

func (m *Memory) Apply(cmd command.Command, lamport int64, originSite string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seenID[cmd.ID] {
		for _, tx := range m.txs {
			if tx.ID == cmd.ID {
				return tx, nil
			}
		}
	}

	tx, err := m.applyLocked(cmd, lamport, originSite)
	if err != nil {
		return Transaction{}, err
	}
	m.seenID[cmd.ID] = true
	m.txs = append(m.txs, tx)
	return tx, nil
}

func (m *Memory) applyLocked(cmd command.Command, lamport int64, originSite string) (Transaction, error) {
	base := Transaction{ID: cmd.ID, Amount: cmd.Amount, OriginSite: originSite, LamportTime: lamport}

	switch cmd.Kind {
	case command.Create:
		if _, ok := m.users[cmd.UserID]; ok {
			return Transaction{}, ledgerr.New(ledgerr.KindValidation, "ledger.Apply", ledgerr.ErrUserExists)
		}
		m.users[cmd.UserID] = 0
		base.To = cmd.UserID
		return base, nil

	case command.Deposit:
		if _, ok := m.users[cmd.UserID]; !ok {
			return Transaction{}, ledgerr.New(ledgerr.KindValidation, "ledger.Apply", ledgerr.ErrUserNotFound)
		}
		m.users[cmd.UserID] += cmd.Amount
		base.To = cmd.UserID
		return base, nil

	case command.Withdraw:
		bal, ok := m.users[cmd.UserID]
		if !ok {
			return Transaction{}, ledgerr.New(ledgerr.KindValidation, "ledger.Apply", ledgerr.ErrUserNotFound)
		}
		if bal < cmd.Amount {
			return Transaction{}, ledgerr.New(ledgerr.KindValidation, "ledger.Apply", ledgerr.ErrInsufficientFund)
		}
		m.users[cmd.UserID] -= cmd.Amount
		base.From = cmd.UserID
		return base, nil

	case command.Transfer:
		fromBal, ok := m.users[cmd.From]
		if !ok {
			return Transaction{}, ledgerr.New(ledgerr.KindValidation, "ledger.Apply", ledgerr.ErrUserNotFound)
		}
		if _, ok := m.users[cmd.To]; !ok {
			return Transaction{}, ledgerr.New(ledgerr.KindValidation, "ledger.Apply", ledgerr.ErrUserNotFound)
		}
		if fromBal < cmd.Amount {
			return Transaction{}, ledgerr.New(ledgerr.KindValidation, "ledger.Apply", ledgerr.ErrInsufficientFund)
		}
		m.users[cmd.From] -= cmd.Amount
		m.users[cmd.To] += cmd.Amount
		base.From, base.To = cmd.From, cmd.To
		return base, nil

	case command.Pay:
		bal, ok := m.users[cmd.UserID]
		if !ok {
			return Transaction{}, ledgerr.New(ledgerr.KindValidation, "ledger.Apply", ledgerr.ErrUserNotFound)
		}
		if bal < cmd.Amount {
			return Transaction{}, ledgerr.New(ledgerr.KindValidation, "ledger.Apply", ledgerr.ErrInsufficientFund)
		}
		m.users[cmd.UserID] -= cmd.Amount
		base.From = cmd.UserID
		return base, nil

	case command.Refund:
		for i, tx := range m.txs {
			if tx.ID != cmd.TxID {
				continue
			}
			if tx.Refunded {
				return Transaction{}, ledgerr.New(ledgerr.KindValidation, "ledger.Apply", ledgerr.ErrAlreadyRefunded)
			}
			if tx.From != "" {
				m.users[tx.From] += tx.Amount
			}
			if tx.To != "" {
				m.users[tx.To] -= tx.Amount
			}
			m.txs[i].Refunded = true
			base.From, base.To, base.Amount = tx.To, tx.From, tx.Amount
			return base, nil
		}
		return Transaction{}, ledgerr.New(ledgerr.KindValidation, "ledger.Apply", ledgerr.ErrTxNotFound)

	default:
		return Transaction{}, ledgerr.New(ledgerr.KindValidation, "ledger.Apply", ledgerr.ErrInvalidAmount)
	}
}

func (m *Memory) Read(q Query) (Rows, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch q.Kind {
	case QueryBalance:
		bal, ok := m.users[q.UserID]
		if !ok {
			return Rows{}, ledgerr.New(ledgerr.KindValidation, "ledger.Read", ledgerr.ErrUserNotFound)
		}
		return Rows{Balance: bal}, nil

	case QueryAllUsers:
		users := make([]User, 0, len(m.users))
		for id, bal := range m.users {
			users = append(users, User{ID: id, Balance: bal})
		}
		return Rows{Users: users}, nil

	case QueryUserTransactions:
		var out []Transaction
		for _, tx := range m.txs {
			if tx.From == q.UserID || tx.To == q.UserID {
				out = append(out, tx)
			}
		}
		return Rows{Transactions: out}, nil

	case QueryAllTransactions:
		out := make([]Transaction, len(m.txs))
		copy(out, m.txs)
		return Rows{Transactions: out}, nil

	default:
		return Rows{}, ledgerr.New(ledgerr.KindValidation, "ledger.Read", ledgerr.ErrInvalidAmount)
	}
}

// memoryDump is the gob-serializable form of Memory's state, used by
// Dump/Load.
type memoryDump struct {
	Users  map[string]float64
	Txs    []Transaction
	SeenID map[string]bool
}

func (m *Memory) Dump() (Dump, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var buf bytes.Buffer
	d := memoryDump{Users: m.users, Txs: m.txs, SeenID: m.seenID}
	if err := gob.NewEncoder(&buf).Encode(d); err != nil {
		return nil, ledgerr.New(ledgerr.KindFatal, "ledger.Dump", err)
	}
	return buf.Bytes(), nil
}

func (m *Memory) Load(d Dump) error {
	var decoded memoryDump
	if err := gob.NewDecoder(bytes.NewReader(d)).Decode(&decoded); err != nil {
		return ledgerr.New(ledgerr.KindFatal, "ledger.Load", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if decoded.Users == nil {
		decoded.Users = make(map[string]float64)
	}
	if decoded.SeenID == nil {
		decoded.SeenID = make(map[string]bool)
	}
	m.users = decoded.Users
	m.txs = decoded.Txs
	m.seenID = decoded.SeenID
	return nil
}

func (m *Memory) Close() error { return nil }
