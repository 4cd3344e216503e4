package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"

	_ "modernc.org/sqlite"

	"github.com/arbiter-labs/arbiter/pkg/audit"
	"github.com/arbiter-labs/arbiter/pkg/export"
)

// runExportCmd exports a capsule sequence range from a SQLite audit log
// as a signed pack. The destination defaults to a local directory; set
// PACK_STORAGE_TYPE (fs|s3|gcs) to target object storage.
//
// Exit codes: 0 = exported, 2 = runtime error.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dbPath string
		pubKey string
		outDir string
		from   uint64
		to     uint64
	)
	cmd.StringVar(&dbPath, "db", "", "Path to the SQLite audit log (REQUIRED)")
	cmd.StringVar(&pubKey, "pubkey", "", "Hex-encoded Ed25519 verification key (REQUIRED)")
	cmd.StringVar(&outDir, "out", ".", "Local output directory (ignored when PACK_STORAGE_TYPE is set)")
	cmd.Uint64Var(&from, "from", 1, "First sequence number")
	cmd.Uint64Var(&to, "to", 0, "Last sequence number (0 = chain head)")
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
	if to == 0 {
		head, err := store.Head(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "audit head: %v\n", err)
			return 2
		}
		to = head.SequenceNumber
	}

	dst, err := destination(ctx, outDir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "pack destination: %v\n", err)
		return 2
	}

	key, err := export.NewExporter(store, pubKey).Export(ctx, dst, from, to)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "export: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "exported capsules %d..%d to %s\n", from, to, key)
	return 0
}

func destination(ctx context.Context, outDir string) (export.ObjectStore, error) {
	if t := os.Getenv("PACK_STORAGE_TYPE"); t != "" && t != "fs" {
		return export.NewStoreFromEnv(ctx)
	}
	return export.NewFileStore(outDir)
}
