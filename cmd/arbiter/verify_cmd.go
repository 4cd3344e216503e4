package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/arbiter-labs/arbiter/pkg/export"
)

// runVerifyCmd verifies an exported capsule pack offline: the manifest's
// body hash, every capsule's self hash and signature, and the internal
// chain links. No network or database access.
//
// Exit codes: 0 = pack verified, 1 = verification failed, 2 = runtime error.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		manifestPath string
		bodyPath     string
	)
	cmd.StringVar(&manifestPath, "manifest", "", "Path to the pack manifest JSON (REQUIRED)")
	cmd.StringVar(&bodyPath, "body", "", "Path to the pack body JSONL (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if manifestPath == "" || bodyPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -manifest and -body are required")
		return 2
	}

	manifestJSON, err := os.ReadFile(manifestPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "read manifest: %v\n", err)
		return 2
	}
	var manifest export.Manifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		_, _ = fmt.Fprintf(stderr, "parse manifest: %v\n", err)
		return 2
	}
	body, err := os.ReadFile(bodyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "read body: %v\n", err)
		return 2
	}

	if err := export.Verify(manifest, body); err != nil {
		_, _ = fmt.Fprintf(stderr, "verification failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "pack verified: capsules %d..%d, head %s\n",
		manifest.From, manifest.To, manifest.HeadHash)
	return 0
}
