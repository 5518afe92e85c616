package node

import (
	"context"
	"testing"
	"time"

	"ledgerd/internal/command"
	"ledgerd/internal/ledger"
	"ledgerd/internal/logging"
)

func startTestNode(t *testing.T, siteID string, seeds []string) *Node {
	t.Helper()
	cfg := Config{
		SiteID:        siteID,
		ListenAddr:    "127.0.0.1:0",
		Seeds:         seeds,
		SnapshotDir:   t.TempDir(),
		MutexTimeout:  2 * time.Second,
		AnnounceEvery: 50 * time.Millisecond,
	}
	n, err := New(cfg, ledger.NewMemory(), logging.FromEnv("test"))
	if err != nil {
		t.Fatalf("New(%s): %v", siteID, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go n.Run(ctx)
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestTwoNodeSubmitReplicates(t *testing.T) {
	a := startTestNode(t, "site-a", nil)
	waitFor(t, time.Second, func() bool { return a.cfg.ListenAddr != "" })
	b := startTestNode(t, "site-b", []string{a.cfg.ListenAddr})

	waitFor(t, 2*time.Second, func() bool {
		return len(a.reg.ConnectedSites()) == 1 && len(b.reg.ConnectedSites()) == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := a.Submit(ctx, command.NewCreate("alice")); err != nil {
		t.Fatalf("Submit(create): %v", err)
	}
	if _, err := a.Submit(ctx, command.NewDeposit("alice", 100)); err != nil {
		t.Fatalf("Submit(deposit): %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		rows, err := b.Read(ledger.Query{UserID: "alice", Kind: ledger.QueryBalance})
		return err == nil && rows.Balance == 100
	})
}

func TestConcurrentSubmitsFromBothSitesSerialize(t *testing.T) {
	a := startTestNode(t, "site-a", nil)
	waitFor(t, time.Second, func() bool { return a.cfg.ListenAddr != "" })
	b := startTestNode(t, "site-b", []string{a.cfg.ListenAddr})

	waitFor(t, 2*time.Second, func() bool {
		return len(a.reg.ConnectedSites()) == 1 && len(b.reg.ConnectedSites()) == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := a.Submit(ctx, command.NewCreate("bob")); err != nil {
		t.Fatalf("Submit(create): %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, err := b.Read(ledger.Query{UserID: "bob", Kind: ledger.QueryBalance})
		return err == nil
	})

	done := make(chan error, 2)
	go func() {
		_, err := a.Submit(ctx, command.NewDeposit("bob", 10))
		done <- err
	}()
	go func() {
		_, err := b.Submit(ctx, command.NewDeposit("bob", 20))
		done <- err
	}()
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent Submit: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		ra, errA := a.Read(ledger.Query{UserID: "bob", Kind: ledger.QueryBalance})
		rb, errB := b.Read(ledger.Query{UserID: "bob", Kind: ledger.QueryBalance})
		return errA == nil && errB == nil && ra.Balance == 30 && rb.Balance == 30
	})
}

func TestSnapshotNowPersistsAcrossConnectedSites(t *testing.T) {
	a := startTestNode(t, "site-a", nil)
	waitFor(t, time.Second, func() bool { return a.cfg.ListenAddr != "" })
	b := startTestNode(t, "site-b", []string{a.cfg.ListenAddr})

	waitFor(t, 2*time.Second, func() bool {
		return len(a.reg.ConnectedSites()) == 1 && len(b.reg.ConnectedSites()) == 1
	})

	if err := a.SnapshotNow("snap-test-1"); err != nil {
		t.Fatalf("SnapshotNow: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		frags, err := a.LoadSnapshot("snap-test-1")
		return err == nil && len(frags) == 2
	})
}

func TestInfoReportsCurrentState(t *testing.T) {
	a := startTestNode(t, "site-a", nil)
	waitFor(t, time.Second, func() bool { return a.cfg.ListenAddr != "" })

	info := a.Info()
	if info.SiteID != "site-a" {
		t.Fatalf("SiteID = %s, want site-a", info.SiteID)
	}
	if info.MutexState != "Released" {
		t.Fatalf("MutexState = %s, want Released", info.MutexState)
	}
}
