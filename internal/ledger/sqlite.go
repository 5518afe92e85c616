package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"ledgerd/internal/command"
	"ledgerd/internal/ledgerr"
)

// SQLite is the concrete LocalLedger this repo ships for running a
// node standalone, mirroring the users/transactions schema of
// original_source/src/db.rs. It uses the pure-Go modernc.org/sqlite
// driver, so no cgo toolchain is required to build a node.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if absent) the ledger file at path and
// ensures its schema exists.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, ledgerr.New(ledgerr.KindFatal, "ledger.OpenSQLite", err)
	}
	db.SetMaxOpenConns(1) // spec §5: the ledger adapter is single-writer

	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id      TEXT PRIMARY KEY,
		balance REAL NOT NULL
	);
	CREATE TABLE IF NOT EXISTS transactions (
		id           TEXT PRIMARY KEY,
		from_user    TEXT,
		to_user      TEXT,
		amount       REAL NOT NULL,
		refunded     INTEGER NOT NULL DEFAULT 0,
		origin_site  TEXT NOT NULL,
		lamport_time INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, ledgerr.New(ledgerr.KindFatal, "ledger.OpenSQLite", fmt.Errorf("create schema: %w", err))
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Apply(cmd command.Command, lamport int64, originSite string) (Transaction, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Transaction{}, ledgerr.New(ledgerr.KindFatal, "ledger.Apply", err)
	}
	defer tx.Rollback()

	var existing Transaction
	found, err := scanTransaction(tx.QueryRow(`SELECT id, from_user, to_user, amount, refunded, origin_site, lamport_time FROM transactions WHERE id = ?`, cmd.ID), &existing)
	if err != nil {
		return Transaction{}, ledgerr.New(ledgerr.KindFatal, "ledger.Apply", err)
	}
	if found {
		return existing, nil // idempotency (spec §4.6)
	}

	result, err := applySQL(tx, cmd, lamport, originSite)
	if err != nil {
		return Transaction{}, err
	}

	if _, err := tx.Exec(
		`INSERT INTO transactions (id, from_user, to_user, amount, refunded, origin_site, lamport_time) VALUES (?, ?, ?, ?, 0, ?, ?)`,
		result.ID, nullable(result.From), nullable(result.To), result.Amount, originSite, lamport,
	); err != nil {
		return Transaction{}, ledgerr.New(ledgerr.KindFatal, "ledger.Apply", err)
	}

	if err := tx.Commit(); err != nil {
		return Transaction{}, ledgerr.New(ledgerr.KindFatal, "ledger.Apply", err)
	}
	return result, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func applySQL(tx *sql.Tx, cmd command.Command, lamport int64, originSite string) (Transaction, error) {
	base := Transaction{ID: cmd.ID, Amount: cmd.Amount, OriginSite: originSite, LamportTime: lamport}

	balanceOf := func(userID string) (float64, bool, error) {
		var bal float64
		err := tx.QueryRow(`SELECT balance FROM users WHERE id = ?`, userID).Scan(&bal)
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, err
		}
		return bal, true, nil
	}

	switch cmd.Kind {
	case command.Create:
		_, ok, err := balanceOf(cmd.UserID)
		if err != nil {
			return Transaction{}, ledgerr.New(ledgerr.KindFatal, "ledger.Apply", err)
		}
		if ok {
			return Transaction{}, ledgerr.New(ledgerr.KindValidation, "ledger.Apply", ledgerr.ErrUserExists)
		}
		if _, err := tx.Exec(`INSERT INTO users (id, balance) VALUES (?, 0)`, cmd.UserID); err != nil {
			return Transaction{}, ledgerr.New(ledgerr.KindFatal, "ledger.Apply", err)
		}
		base.To = cmd.UserID
		return base, nil

	case command.Deposit:
		bal, ok, err := balanceOf(cmd.UserID)
		if err != nil {
			return Transaction{}, ledgerr.New(ledgerr.KindFatal, "ledger.Apply", err)
		}
		if !ok {
			return Transaction{}, ledgerr.New(ledgerr.KindValidation, "ledger.Apply", ledgerr.ErrUserNotFound)
		}
		if _, err := tx.Exec(`UPDATE users SET balance = ? WHERE id = ?`, bal+cmd.Amount, cmd.UserID); err != nil {
			return Transaction{}, ledgerr.New(ledgerr.KindFatal, "ledger.Apply", err)
		}
		base.To = cmd.UserID
		return base, nil

	case command.Withdraw, command.Pay:
		bal, ok, err := balanceOf(cmd.UserID)
		if err != nil {
			return Transaction{}, ledgerr.New(ledgerr.KindFatal, "ledger.Apply", err)
		}
		if !ok {
			return Transaction{}, ledgerr.New(ledgerr.KindValidation, "ledger.Apply", ledgerr.ErrUserNotFound)
		}
		if bal < cmd.Amount {
			return Transaction{}, ledgerr.New(ledgerr.KindValidation, "ledger.Apply", ledgerr.ErrInsufficientFund)
		}
		if _, err := tx.Exec(`UPDATE users SET balance = ? WHERE id = ?`, bal-cmd.Amount, cmd.UserID); err != nil {
			return Transaction{}, ledgerr.New(ledgerr.KindFatal, "ledger.Apply", err)
		}
		base.From = cmd.UserID
		return base, nil

	case command.Transfer:
		fromBal, ok, err := balanceOf(cmd.From)
		if err != nil {
			return Transaction{}, ledgerr.New(ledgerr.KindFatal, "ledger.Apply", err)
		}
		if !ok {
			return Transaction{}, ledgerr.New(ledgerr.KindValidation, "ledger.Apply", ledgerr.ErrUserNotFound)
		}
		toBal, ok, err := balanceOf(cmd.To)
		if err != nil {
			return Transaction{}, ledgerr.New(ledgerr.KindFatal, "ledger.Apply", err)
		}
		if !ok {
			return Transaction{}, ledgerr.New(ledgerr.KindValidation, "ledger.Apply", ledgerr.ErrUserNotFound)
		}
		if fromBal < cmd.Amount {
			return Transaction{}, ledgerr.New(ledgerr.KindValidation, "ledger.Apply", ledgerr.ErrInsufficientFund)
		}
		if _, err := tx.Exec(`UPDATE users SET balance = ? WHERE id = ?`, fromBal-cmd.Amount, cmd.From); err != nil {
			return Transaction{}, ledgerr.New(ledgerr.KindFatal, "ledger.Apply", err)
		}
		if _, err := tx.Exec(`UPDATE users SET balance = ? WHERE id = ?`, toBal+cmd.Amount, cmd.To); err != nil {
			return Transaction{}, ledgerr.New(ledgerr.KindFatal, "ledger.Apply", err)
		}
		base.From, base.To = cmd.From, cmd.To
		return base, nil

	case command.Refund:
		var orig Transaction
		found, err := scanTransaction(tx.QueryRow(`SELECT id, from_user, to_user, amount, refunded, origin_site, lamport_time FROM transactions WHERE id = ?`, cmd.TxID), &orig)
		if err != nil {
			return Transaction{}, ledgerr.New(ledgerr.KindFatal, "ledger.Apply", err)
		}
		if !found {
			return Transaction{}, ledgerr.New(ledgerr.KindValidation, "ledger.Apply", ledgerr.ErrTxNotFound)
		}
		if orig.Refunded {
			return Transaction{}, ledgerr.New(ledgerr.KindValidation, "ledger.Apply", ledgerr.ErrAlreadyRefunded)
		}
		if orig.From != "" {
			bal, _, err := balanceOf(orig.From)
			if err != nil {
				return Transaction{}, ledgerr.New(ledgerr.KindFatal, "ledger.Apply", err)
			}
			if _, err := tx.Exec(`UPDATE users SET balance = ? WHERE id = ?`, bal+orig.Amount, orig.From); err != nil {
				return Transaction{}, ledgerr.New(ledgerr.KindFatal, "ledger.Apply", err)
			}
		}
		if orig.To != "" {
			bal, _, err := balanceOf(orig.To)
			if err != nil {
				return Transaction{}, ledgerr.New(ledgerr.KindFatal, "ledger.Apply", err)
			}
			if _, err := tx.Exec(`UPDATE users SET balance = ? WHERE id = ?`, bal-orig.Amount, orig.To); err != nil {
				return Transaction{}, ledgerr.New(ledgerr.KindFatal, "ledger.Apply", err)
			}
		}
		if _, err := tx.Exec(`UPDATE transactions SET refunded = 1 WHERE id = ?`, orig.ID); err != nil {
			return Transaction{}, ledgerr.New(ledgerr.KindFatal, "ledger.Apply", err)
		}
		base.From, base.To, base.Amount = orig.To, orig.From, orig.Amount
		return base, nil

	default:
		return Transaction{}, ledgerr.New(ledgerr.KindValidation, "ledger.Apply", ledgerr.ErrInvalidAmount)
	}
}

func scanTransaction(row *sql.Row, out *Transaction) (bool, error) {
	var from, to sql.NullString
	var refunded int
	err := row.Scan(&out.ID, &from, &to, &out.Amount, &refunded, &out.OriginSite, &out.LamportTime)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	out.From, out.To = from.String, to.String
	out.Refunded = refunded != 0
	return true, nil
}

func (s *SQLite) Read(q Query) (Rows, error) {
	switch q.Kind {
	case QueryBalance:
		var bal float64
		err := s.db.QueryRow(`SELECT balance FROM users WHERE id = ?`, q.UserID).Scan(&bal)
		if err == sql.ErrNoRows {
			return Rows{}, ledgerr.New(ledgerr.KindValidation, "ledger.Read", ledgerr.ErrUserNotFound)
		}
		if err != nil {
			return Rows{}, ledgerr.New(ledgerr.KindFatal, "ledger.Read", err)
		}
		return Rows{Balance: bal}, nil

	case QueryAllUsers:
		rows, err := s.db.Query(`SELECT id, balance FROM users`)
		if err != nil {
			return Rows{}, ledgerr.New(ledgerr.KindFatal, "ledger.Read", err)
		}
		defer rows.Close()
		var users []User
		for rows.Next() {
			var u User
			if err := rows.Scan(&u.ID, &u.Balance); err != nil {
				return Rows{}, ledgerr.New(ledgerr.KindFatal, "ledger.Read", err)
			}
			users = append(users, u)
		}
		return Rows{Users: users}, nil

	case QueryUserTransactions:
		rows, err := s.db.Query(`SELECT id, from_user, to_user, amount, refunded, origin_site, lamport_time FROM transactions WHERE from_user = ? OR to_user = ?`, q.UserID, q.UserID)
		if err != nil {
			return Rows{}, ledgerr.New(ledgerr.KindFatal, "ledger.Read", err)
		}
		defer rows.Close()
		return scanTransactionRows(rows)

	case QueryAllTransactions:
		rows, err := s.db.Query(`SELECT id, from_user, to_user, amount, refunded, origin_site, lamport_time FROM transactions`)
		if err != nil {
			return Rows{}, ledgerr.New(ledgerr.KindFatal, "ledger.Read", err)
		}
		defer rows.Close()
		return scanTransactionRows(rows)

	default:
		return Rows{}, ledgerr.New(ledgerr.KindValidation, "ledger.Read", ledgerr.ErrInvalidAmount)
	}
}

func scanTransactionRows(rows *sql.Rows) (Rows, error) {
	var out []Transaction
	for rows.Next() {
		var t Transaction
		var from, to sql.NullString
		var refunded int
		if err := rows.Scan(&t.ID, &from, &to, &t.Amount, &refunded, &t.OriginSite, &t.LamportTime); err != nil {
			return Rows{}, ledgerr.New(ledgerr.KindFatal, "ledger.Read", err)
		}
		t.From, t.To = from.String, to.String
		t.Refunded = refunded != 0
		out = append(out, t)
	}
	return Rows{Transactions: out}, nil
}

// sqliteDump is the JSON-serializable full-state snapshot of the
// users and transactions tables.
type sqliteDump struct {
	Users        []User        `json:"users"`
	Transactions []Transaction `json:"transactions"`
}

func (s *SQLite) Dump() (Dump, error) {
	users, err := s.Read(Query{Kind: QueryAllUsers})
	if err != nil {
		return nil, err
	}
	txs, err := s.Read(Query{Kind: QueryAllTransactions})
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(sqliteDump{Users: users.Users, Transactions: txs.Transactions})
	if err != nil {
		return nil, ledgerr.New(ledgerr.KindFatal, "ledger.Dump", err)
	}
	return b, nil
}

func (s *SQLite) Load(d Dump) error {
	var decoded sqliteDump
	if err := json.Unmarshal(d, &decoded); err != nil {
		return ledgerr.New(ledgerr.KindFatal, "ledger.Load", err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return ledgerr.New(ledgerr.KindFatal, "ledger.Load", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM users`); err != nil {
		return ledgerr.New(ledgerr.KindFatal, "ledger.Load", err)
	}
	if _, err := tx.Exec(`DELETE FROM transactions`); err != nil {
		return ledgerr.New(ledgerr.KindFatal, "ledger.Load", err)
	}
	for _, u := range decoded.Users {
		if _, err := tx.Exec(`INSERT INTO users (id, balance) VALUES (?, ?)`, u.ID, u.Balance); err != nil {
			return ledgerr.New(ledgerr.KindFatal, "ledger.Load", err)
		}
	}
	for _, t := range decoded.Transactions {
		refunded := 0
		if t.Refunded {
			refunded = 1
		}
		if _, err := tx.Exec(`INSERT INTO transactions (id, from_user, to_user, amount, refunded, origin_site, lamport_time) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.ID, nullable(t.From), nullable(t.To), t.Amount, refunded, t.OriginSite, t.LamportTime); err != nil {
			return ledgerr.New(ledgerr.KindFatal, "ledger.Load", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Close() error { return s.db.Close() }
