package enginearray

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// WASIDriver executes intents through sandboxed WebAssembly modules.
// Deny-by-default: no filesystem, no network, no environment, no
// high-resolution timers. The module receives the intent payload as JSON
// on stdin and signals failure via a non-zero exit.
type WASIDriver struct {
	runtime wazero.Runtime
	config  wazero.ModuleConfig

	mu      sync.RWMutex
	modules map[string][]byte // action -> wasm binary
}

// WASIDriverConfig bounds module resources.
type WASIDriverConfig struct {
	MemoryLimitBytes int64
}

func NewWASIDriver(ctx context.Context, cfg WASIDriverConfig) (*WASIDriver, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitBytes > 0 {
		// wazero measures memory in 64KB pages.
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	// Deny-by-default: no WithFSConfig, no WithSysNanotime, no env.
	modCfg := wazero.NewModuleConfig().
		WithName("arbiter-sandbox").
		WithStartFunctions("_start")

	return &WASIDriver{
		runtime: r,
		config:  modCfg,
		modules: make(map[string][]byte),
	}, nil
}

// RegisterModule binds a WASM binary to an action name.
func (d *WASIDriver) RegisterModule(action string, wasm []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.modules[action] = wasm
}

func (d *WASIDriver) Execute(ctx context.Context, intent contracts.Intent) error {
	d.mu.RLock()
	wasm, ok := d.modules[intent.Action]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("wasi: no module registered for action %q", intent.Action)
	}

	input, err := json.Marshal(intent.Payload)
	if err != nil {
		return fmt.Errorf("wasi: encode payload: %w", err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := d.config.
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	compiled, err := d.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return fmt.Errorf("wasi: compilation failed: %w", err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	mod, err := d.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return fmt.Errorf("wasi: execution failed: %w (stderr: %s)", err, stderr.String())
	}
	defer func() { _ = mod.Close(ctx) }()

	return nil
}

// Close releases the runtime.
func (d *WASIDriver) Close(ctx context.Context) error {
	return d.runtime.Close(ctx)
}
