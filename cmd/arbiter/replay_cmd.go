package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	_ "modernc.org/sqlite"

	"github.com/arbiter-labs/arbiter/pkg/audit"
	"github.com/arbiter-labs/arbiter/pkg/capsule"
	"github.com/arbiter-labs/arbiter/pkg/constitution"
	"github.com/arbiter-labs/arbiter/pkg/engine"
)

// runReplayCmd re-evaluates sealed capsules against the constitution
// versions recorded in their verdicts and reports any divergence. The
// SQLite file must hold both the audit log and the constitution store,
// as written by a kernel bootstrapped with ARBITER_SQLITE_PATH.
//
// Exit codes: 0 = chain replayed clean, 1 = mismatches found, 2 = runtime error.
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dbPath     string
		pubKey     string
		genesis    string
		from       uint64
		to         uint64
		jsonOutput bool
		verifyOnly bool
	)
	cmd.StringVar(&dbPath, "db", "", "Path to the SQLite audit log (REQUIRED)")
	cmd.StringVar(&pubKey, "pubkey", "", "Hex-encoded Ed25519 verification key (REQUIRED)")
	cmd.StringVar(&genesis, "genesis", "", "Chain root hash (default: built-in root)")
	cmd.Uint64Var(&from, "from", 1, "First sequence number")
	cmd.Uint64Var(&to, "to", 0, "Last sequence number (0 = chain head)")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the report as JSON")
	cmd.BoolVar(&verifyOnly, "verify-only", false, "Check hashes and signatures without re-evaluating verdicts")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if dbPath == "" || pubKey == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -db and -pubkey are required")
		return 2
	}

	ctx := context.Background()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open audit log: %v\n", err)
		return 2
	}
	defer func() { _ = db.Close() }()

	store, err := audit.NewSQLiteStore(db)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "audit log: %v\n", err)
		return 2
	}
	consStore, err := constitution.NewSQLiteStore(db)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "constitution store: %v\n", err)
		return 2
	}
	eng, err := engine.New(consStore)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "engine: %v\n", err)
		return 2
	}

	if to == 0 {
		head, err := store.Head(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "audit head: %v\n", err)
			return 2
		}
		to = head.SequenceNumber
	}

	replayer := capsule.NewReplayer(store, consStore, eng, pubKey).WithGenesis(genesis)
	var report *capsule.Report
	if verifyOnly {
		report, err = replayer.VerifyChain(ctx, from, to)
	} else {
		report, err = replayer.Replay(ctx, from, to)
	}
	if report == nil {
		_, _ = fmt.Fprintf(stderr, "replay: %v\n", err)
		return 2
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		_, _ = fmt.Fprintf(stdout, "replayed capsules %d..%d: %d checked, %d mismatches\n",
			report.From, report.To, report.Checked, len(report.Mismatches))
		for _, m := range report.Mismatches {
			_, _ = fmt.Fprintf(stdout, "  seq %d %s: %s\n", m.Sequence, m.Field, m.Detail)
		}
	}
	if !report.OK() {
		return 1
	}
	return 0
}
