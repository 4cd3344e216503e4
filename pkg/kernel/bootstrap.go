package kernel

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/arbiter-labs/arbiter/pkg/audit"
	"github.com/arbiter-labs/arbiter/pkg/capsule"
	"github.com/arbiter-labs/arbiter/pkg/compiler"
	"github.com/arbiter-labs/arbiter/pkg/config"
	"github.com/arbiter-labs/arbiter/pkg/constitution"
	"github.com/arbiter-labs/arbiter/pkg/crypto"
	"github.com/arbiter-labs/arbiter/pkg/engine"
	"github.com/arbiter-labs/arbiter/pkg/enginearray"
	"github.com/arbiter-labs/arbiter/pkg/observability"
	"github.com/arbiter-labs/arbiter/pkg/scheduler"
	"github.com/arbiter-labs/arbiter/pkg/security"
	"golang.org/x/time/rate"
)

// Runtime bundles a bootstrapped kernel with the handles an operator
// (or test) needs around it: the handler registry to register action
// executors on, the constitution store to publish rules into, and the
// token issuer bound to the kernel's key.
type Runtime struct {
	Kernel        *Kernel
	Handlers      *enginearray.HandlerRegistry
	Constitutions constitution.Store
	Issuer        *security.TokenIssuer
	Signer        crypto.Signer
	PublicKeyHex  string
	Audit         audit.Store

	obs *observability.Provider
	dbs []*sql.DB
}

// Bootstrap constructs the full pipeline from configuration. Storage
// backends are chosen by what the config names: Postgres when
// DATABASE_URL is set, SQLite when a path is set, in-memory otherwise.
// The scheduler's dispatchers are started before returning.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	provider, err := keyProvider(cfg)
	if err != nil {
		return nil, err
	}
	signer := crypto.NewEd25519Signer(provider, "capsule-seal")

	rt := &Runtime{Signer: signer, PublicKeyHex: signer.PublicKey()}

	auditStore, consStore, err := rt.openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.Audit = auditStore
	rt.Constitutions = consStore

	nonces, err := nonceStore(cfg)
	if err != nil {
		return nil, err
	}

	comp := compiler.New(consStore, nonces)
	eng, err := engine.New(consStore)
	if err != nil {
		return nil, fmt.Errorf("constitutional engine: %w", err)
	}

	sec := security.NewEngine(security.Config{
		RestrictedThreshold: cfg.RestrictedThreshold,
		LockdownThreshold:   cfg.LockdownThreshold,
		RestrictedRiskCap:   cfg.RestrictedRiskCap,
		RiskWindow:          cfg.RiskWindow,
	}, provider.PublicKey())
	rt.Issuer = security.NewTokenIssuer(provider.PrivateKey(), "bootstrap")

	rt.Handlers = enginearray.NewHandlerRegistry()
	array := enginearray.New(enginearray.Config{
		Workers:             cfg.Workers,
		QuarantineThreshold: cfg.QuarantineThreshold,
	}, rt.Handlers, sec)

	sched := scheduler.New(scheduler.Config{
		Capacity:        cfg.QueueCapacity,
		Dispatchers:     cfg.Dispatchers,
		DispatchTimeout: cfg.DispatchTimeout,
		ActorRate:       rate.Limit(cfg.ActorRatePerSec),
		ActorBurst:      cfg.ActorBurst,
	}, sec, array)
	sched.Start()

	capsules, err := capsule.New(ctx, auditStore, signer)
	if err != nil {
		return nil, fmt.Errorf("capsule engine: %w", err)
	}
	capsules.WithGenesis(cfg.GenesisHash)

	var obs *observability.Provider
	if cfg.OTLPEnabled {
		obs, err = observability.New(ctx, &observability.Config{
			ServiceName:  "arbiter",
			OTLPEndpoint: cfg.OTLPEndpoint,
			Insecure:     cfg.OTLPInsecure,
			SampleRate:   1.0,
			Enabled:      true,
		})
		if err != nil {
			return nil, fmt.Errorf("observability: %w", err)
		}
		rt.obs = obs
	}

	rt.Kernel = New(Options{
		Compiler:      comp,
		Engine:        eng,
		Security:      sec,
		Scheduler:     sched,
		Array:         array,
		Capsules:      capsules,
		Audit:         auditStore,
		Observability: obs,
	})
	return rt, nil
}

// Close shuts the pipeline down and releases storage handles.
func (r *Runtime) Close(ctx context.Context) error {
	r.Kernel.Close()
	var firstErr error
	if r.obs != nil {
		if err := r.obs.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	for _, db := range r.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func keyProvider(cfg *config.Config) (*crypto.MemoryKeyProvider, error) {
	if cfg.KeySeedHex == "" {
		return crypto.NewMemoryKeyProvider()
	}
	seed, err := hex.DecodeString(cfg.KeySeedHex)
	if err != nil {
		return nil, fmt.Errorf("decode key seed: %w", err)
	}
	return crypto.NewDerivedKeyProvider(seed, "arbiter-capsule-seal")
}

func (r *Runtime) openStores(ctx context.Context, cfg *config.Config) (audit.Store, constitution.Store, error) {
	switch {
	case cfg.PostgresURL != "":
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		r.dbs = append(r.dbs, db)
		store := audit.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("migrate audit schema: %w", err)
		}
		// Constitutions stay local even with remote audit storage.
		return store, constitution.NewMemoryStore(), nil

	case cfg.SQLitePath != "":
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		r.dbs = append(r.dbs, db)
		auditStore, err := audit.NewSQLiteStore(db)
		if err != nil {
			return nil, nil, fmt.Errorf("audit schema: %w", err)
		}
		consStore, err := constitution.NewSQLiteStore(db)
		if err != nil {
			return nil, nil, fmt.Errorf("constitution schema: %w", err)
		}
		return auditStore, consStore, nil

	default:
		return audit.NewMemoryStore(), constitution.NewMemoryStore(), nil
	}
}

func nonceStore(cfg *config.Config) (compiler.NonceStore, error) {
	if cfg.RedisAddr == "" {
		return compiler.NewMemoryNonceStore(cfg.NonceRetention), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return compiler.NewRedisNonceStore(client, cfg.NonceRetention), nil
}
