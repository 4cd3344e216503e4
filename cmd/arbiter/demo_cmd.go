package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/capsule"
	"github.com/arbiter-labs/arbiter/pkg/compiler"
	"github.com/arbiter-labs/arbiter/pkg/config"
	"github.com/arbiter-labs/arbiter/pkg/constitution"
	"github.com/arbiter-labs/arbiter/pkg/contracts"
	"github.com/arbiter-labs/arbiter/pkg/kernel"
)

// runDemoCmd walks one intent of each kind through the pipeline and
// prints the sealed audit chain. With -bundle the constitution comes
// from a YAML bundle instead of the built-in demo rules.
//
// Exit codes: 0 = demo completed and chain verified, 1 = chain
// verification failed, 2 = runtime error.
func runDemoCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("demo", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var bundlePath string
	cmd.StringVar(&bundlePath, "bundle", "", "Path to a constitution bundle (YAML); default uses built-in demo rules")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	// The demo stays in memory on the built-in chain root regardless of
	// the ambient environment.
	cfg.SQLitePath = ""
	cfg.PostgresURL = ""
	cfg.RedisAddr = ""
	cfg.GenesisHash = ""

	rt, err := kernel.Bootstrap(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "bootstrap: %v\n", err)
		return 2
	}
	defer func() { _ = rt.Close(context.Background()) }()

	if err := publishDemoConstitution(ctx, rt, bundlePath); err != nil {
		_, _ = fmt.Fprintf(stderr, "constitution: %v\n", err)
		return 2
	}
	rt.Handlers.Register("read_document", func(ctx context.Context, in contracts.Intent) error {
		return nil
	})
	rt.Handlers.Register("delete_records", func(ctx context.Context, in contracts.Intent) error {
		return nil
	})

	submissions := []compiler.RawIntent{
		{Actor: "alice", Action: "read_document", Payload: map[string]any{"doc": "report.md"}, ClientNonce: "demo-read"},
		{Actor: "DemoUser", Action: "access_user_data", Payload: map[string]any{"user": "u-42"}, ClientNonce: "demo-deny"},
		{Actor: "DemoUser", Action: "access_user_data", Payload: map[string]any{"user": "u-42"}, ClientNonce: "demo-deny"}, // resubmission
	}

	// A waivered conditional delete rounds out the demo.
	token, err := rt.Issuer.IssueWaiver("alice", "delete_records", time.Minute)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "issue waiver: %v\n", err)
		return 2
	}
	if _, err := rt.Kernel.IssueWaiver(ctx, token); err != nil {
		_, _ = fmt.Fprintf(stderr, "register waiver: %v\n", err)
		return 2
	}
	submissions = append(submissions, compiler.RawIntent{
		Actor: "alice", Action: "delete_records",
		Payload: map[string]any{"table": "sessions"}, ClientNonce: "demo-del",
	})

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	for _, raw := range submissions {
		res, err := rt.Kernel.SubmitIntent(ctx, raw)
		if res == nil {
			_, _ = fmt.Fprintf(stderr, "submit %s/%s: %v\n", raw.Actor, raw.Action, err)
			return 2
		}
		_ = enc.Encode(res)
	}

	head, err := rt.Audit.Head(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "audit head: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "sealed %d capsules, head %s\n", head.SequenceNumber, head.SelfHash)

	replayer := capsule.NewReplayer(rt.Audit, rt.Constitutions, nil, rt.PublicKeyHex)
	report, err := replayer.VerifyChain(ctx, 1, head.SequenceNumber)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "chain verification failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "chain verified: %d capsules, %d mismatches\n", report.Checked, len(report.Mismatches))
	return 0
}

func publishDemoConstitution(ctx context.Context, rt *kernel.Runtime, bundlePath string) error {
	if bundlePath != "" {
		c, err := constitution.LoadBundle(bundlePath)
		if err != nil {
			return err
		}
		return rt.Constitutions.Publish(ctx, *c)
	}
	return rt.Constitutions.Publish(ctx, contracts.Constitution{
		Version: 1,
		Rules: []contracts.Rule{
			{ID: "deny-user-data", Predicate: `action == "access_user_data"`, Verdict: contracts.OutcomeDeny, RiskWeight: 10, Reason: "user data access is forbidden"},
			{ID: "gate-deletes", Predicate: `action == "delete_records"`, Verdict: contracts.OutcomeConditional, RiskWeight: 7},
			{ID: "allow-read", Predicate: `action == "read_document"`, Verdict: contracts.OutcomeAllow, RiskWeight: 2},
		},
		EffectiveFrom: time.Now().UTC().Add(-time.Minute),
	})
}
