package ledger

import (
	"path/filepath"
	"testing"

	"ledgerd/internal/command"
	"ledgerd/internal/ledgerr"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteCreateDepositWithdraw(t *testing.T) {
	s := openTestSQLite(t)

	if _, err := s.Apply(command.Stamp("site-a", command.NewCreate("alice")), 1, "site-a"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Apply(command.Stamp("site-a", command.NewDeposit("alice", 100)), 2, "site-a"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := s.Apply(command.Stamp("site-a", command.NewWithdraw("alice", 40)), 3, "site-a"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	rows, err := s.Read(Query{UserID: "alice", Kind: QueryBalance})
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if rows.Balance != 60 {
		t.Fatalf("balance = %v, want 60", rows.Balance)
	}
}

func TestSQLiteApplyIsIdempotentOnCommandID(t *testing.T) {
	s := openTestSQLite(t)

	if _, err := s.Apply(command.Stamp("site-a", command.NewCreate("bob")), 1, "site-a"); err != nil {
		t.Fatalf("create: %v", err)
	}
	dep := command.Stamp("site-a", command.NewDeposit("bob", 50))

	if _, err := s.Apply(dep, 2, "site-a"); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if _, err := s.Apply(dep, 2, "site-a"); err != nil {
		t.Fatalf("replayed apply: %v", err)
	}

	rows, err := s.Read(Query{UserID: "bob", Kind: QueryBalance})
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if rows.Balance != 50 {
		t.Fatalf("balance = %v, want 50 (duplicate command_id must not double-apply)", rows.Balance)
	}
}

func TestSQLiteTransferInsufficientFunds(t *testing.T) {
	s := openTestSQLite(t)

	s.Apply(command.Stamp("site-a", command.NewCreate("carol")), 1, "site-a")
	s.Apply(command.Stamp("site-a", command.NewCreate("dave")), 2, "site-a")

	_, err := s.Apply(command.Stamp("site-a", command.NewTransfer("carol", "dave", 10)), 3, "site-a")
	if !ledgerr.Is(err, ledgerr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSQLiteRefundReversesTransfer(t *testing.T) {
	s := openTestSQLite(t)

	s.Apply(command.Stamp("site-a", command.NewCreate("erin")), 1, "site-a")
	s.Apply(command.Stamp("site-a", command.NewCreate("frank")), 2, "site-a")
	s.Apply(command.Stamp("site-a", command.NewDeposit("erin", 100)), 3, "site-a")

	transfer := command.Stamp("site-a", command.NewTransfer("erin", "frank", 30))
	txRow, err := s.Apply(transfer, 4, "site-a")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	if _, err := s.Apply(command.Stamp("site-a", command.NewRefund(txRow.ID)), 5, "site-a"); err != nil {
		t.Fatalf("refund: %v", err)
	}

	erinBal, _ := s.Read(Query{UserID: "erin", Kind: QueryBalance})
	frankBal, _ := s.Read(Query{UserID: "frank", Kind: QueryBalance})
	if erinBal.Balance != 100 || frankBal.Balance != 0 {
		t.Fatalf("post-refund balances = erin:%v frank:%v, want 100/0", erinBal.Balance, frankBal.Balance)
	}

	if _, err := s.Apply(command.Stamp("site-a", command.NewRefund(txRow.ID)), 6, "site-a"); !ledgerr.Is(err, ledgerr.KindValidation) {
		t.Fatalf("expected already-refunded validation error, got %v", err)
	}
}

func TestSQLiteDumpLoadRoundTrip(t *testing.T) {
	src := openTestSQLite(t)
	src.Apply(command.Stamp("site-a", command.NewCreate("gina")), 1, "site-a")
	src.Apply(command.Stamp("site-a", command.NewDeposit("gina", 75)), 2, "site-a")

	dump, err := src.Dump()
	if err != nil {
		t.Fatalf("dump: %v", err)
	}

	dst := openTestSQLite(t)
	if err := dst.Load(dump); err != nil {
		t.Fatalf("load: %v", err)
	}

	rows, err := dst.Read(Query{UserID: "gina", Kind: QueryBalance})
	if err != nil {
		t.Fatalf("read after load: %v", err)
	}
	if rows.Balance != 75 {
		t.Fatalf("balance after load = %v, want 75", rows.Balance)
	}
}
