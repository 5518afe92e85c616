// Command ledgerd runs one site of a peer-to-peer replicated ledger
// (spec §6 external interfaces).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"ledgerd/internal/command"
	"ledgerd/internal/ledger"
	"ledgerd/internal/ledgerr"
	"ledgerd/internal/logging"
	"ledgerd/internal/node"
)

// Exit codes (spec §6): 0 clean shutdown, 1 configuration error, 2
// fatal runtime error.
const (
	exitOK        = 0
	exitConfigErr = 1
	exitFatal     = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	siteID := flag.String("site-id", "", "this node's site id (default: a random uuid)")
	port := flag.Int("port", 0, "listener port (default: chosen by the host OS)")
	peers := flag.String("peers", "", "comma-separated host:port seed list")
	dbID := flag.Int("db-id", 0, "selects the local store file, peillute-<db-id>.db")
	cliMode := flag.Bool("cli", false, "run without a web UI (this build only offers the CLI)")
	flag.Parse()
	_ = cliMode // this repo has no web UI counterpart; --cli is accepted for compatibility

	log := logging.FromEnv("ledgerd ")

	if *siteID == "" {
		*siteID = uuid.NewString()
	}
	var seedList []string
	if strings.TrimSpace(*peers) != "" {
		for _, p := range strings.Split(*peers, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, _, err := net.SplitHostPort(p); err != nil {
				log.Errorf("unresolvable seed %q: %v", p, err)
				return exitConfigErr
			}
			seedList = append(seedList, p)
		}
	}

	dbPath := fmt.Sprintf("peillute-%d.db", *dbID)
	led, err := ledger.OpenSQLite(dbPath)
	if err != nil {
		log.Errorf("open local store %s: %v", dbPath, err)
		return exitFatal
	}

	cfg := node.Config{
		SiteID:        *siteID,
		ListenAddr:    fmt.Sprintf(":%d", *port),
		Seeds:         seedList,
		SnapshotDir:   ".",
		MutexTimeout:  5 * time.Second,
		AnnounceEvery: 5 * time.Second,
	}

	n, err := node.New(cfg, led, log)
	if err != nil {
		if ledgerr.Is(err, ledgerr.KindFatal) {
			log.Errorf("startup: %v", err)
			return exitFatal
		}
		log.Errorf("startup: %v", err)
		return exitConfigErr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- n.Run(ctx) }()

	log.Infof("site %s listening, %d seed(s)", *siteID, len(seedList))
	go runREPL(ctx, n, log)

	select {
	case err := <-runErr:
		if err != nil {
			log.Errorf("fatal: %v", err)
			return exitFatal
		}
		return exitOK
	case <-ctx.Done():
		<-runErr
		return exitOK
	}
}

// runREPL implements the "/create_user", "/deposit", etc. control
// vocabulary the original prototype's CLI exposed, adapted to this
// node's Submit/Read/SnapshotNow/Info entry points.
func runREPL(ctx context.Context, n *node.Node, log *logging.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "/create_user":
			runCommand(ctx, n, log, requireArgs(fields, 1), func(a []string) command.Command {
				return command.NewCreate(a[0])
			})
		case "/deposit":
			runCommand(ctx, n, log, requireArgs(fields, 2), func(a []string) command.Command {
				amt, _ := strconv.ParseFloat(a[1], 64)
				return command.NewDeposit(a[0], amt)
			})
		case "/withdraw":
			runCommand(ctx, n, log, requireArgs(fields, 2), func(a []string) command.Command {
				amt, _ := strconv.ParseFloat(a[1], 64)
				return command.NewWithdraw(a[0], amt)
			})
		case "/transfer":
			runCommand(ctx, n, log, requireArgs(fields, 3), func(a []string) command.Command {
				amt, _ := strconv.ParseFloat(a[2], 64)
				return command.NewTransfer(a[0], a[1], amt)
			})
		case "/pay":
			runCommand(ctx, n, log, requireArgs(fields, 2), func(a []string) command.Command {
				amt, _ := strconv.ParseFloat(a[1], 64)
				return command.NewPay(a[0], amt)
			})
		case "/refund":
			runCommand(ctx, n, log, requireArgs(fields, 1), func(a []string) command.Command {
				return command.NewRefund(a[0])
			})
		case "/user_accounts":
			rows, err := n.Read(ledger.Query{Kind: ledger.QueryAllUsers})
			printResult(log, rows, err)
		case "/print_user_tsx":
			if len(fields) < 2 {
				log.Warnf("usage: /print_user_tsx <user_id>")
				continue
			}
			rows, err := n.Read(ledger.Query{UserID: fields[1], Kind: ledger.QueryUserTransactions})
			printResult(log, rows, err)
		case "/print_tsx":
			rows, err := n.Read(ledger.Query{Kind: ledger.QueryAllTransactions})
			printResult(log, rows, err)
		case "/info":
			fmt.Println(n.Info())
		case "/start_snapshot":
			id := uuid.NewString()
			if err := n.SnapshotNow(id); err != nil {
				log.Errorf("snapshot: %v", err)
				continue
			}
			fmt.Printf("snapshot started: %s (written to %s)\n", id, filepath.Join(".", "snapshot-"+id+".bin"))
		case "/help":
			printHelp()
		default:
			log.Warnf("unknown command %q, try /help", fields[0])
		}
	}
}

func requireArgs(fields []string, n int) []string {
	if len(fields)-1 < n {
		return nil
	}
	return fields[1 : n+1]
}

func runCommand(ctx context.Context, n *node.Node, log *logging.Logger, args []string, build func([]string) command.Command) {
	if args == nil {
		log.Warnf("missing arguments")
		return
	}
	submitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	tx, err := n.Submit(submitCtx, build(args))
	if err != nil {
		log.Errorf("command failed: %v", err)
		return
	}
	fmt.Printf("ok: %+v\n", tx)
}

func printResult(log *logging.Logger, rows ledger.Rows, err error) {
	if err != nil {
		log.Errorf("query failed: %v", err)
		return
	}
	fmt.Printf("%+v\n", rows)
}

func printHelp() {
	fmt.Println("/create_user      - Create a personal account")
	fmt.Println("/user_accounts    - List all users")
	fmt.Println("/print_user_tsx   - Show a user's transactions")
	fmt.Println("/print_tsx        - Show all system transactions")
	fmt.Println("/deposit          - Deposit money to an account")
	fmt.Println("/withdraw         - Withdraw money from an account")
	fmt.Println("/transfer         - Transfer money to another user")
	fmt.Println("/pay              - Make a payment (to NULL)")
	fmt.Println("/refund           - Refund a transaction")
	fmt.Println("/info             - Show system information")
	fmt.Println("/start_snapshot   - Start a snapshot")
}
