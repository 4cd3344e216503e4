package enginearray

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// Handler executes one action kind.
type Handler func(ctx context.Context, intent contracts.Intent) error

// HandlerRegistry is the default driver: a map of action names to
// in-process handlers. Actions with no registered handler succeed as
// no-ops — governance, not side effects, is what the kernel records.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]Handler),
		logger:   slog.Default().With("component", "enginearray"),
	}
}

// Register binds a handler to an action name.
func (r *HandlerRegistry) Register(action string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = h
}

func (r *HandlerRegistry) Execute(ctx context.Context, intent contracts.Intent) error {
	r.mu.RLock()
	h, ok := r.handlers[intent.Action]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("no handler registered; treating as no-op", "action", intent.Action)
		return nil
	}
	if err := h(ctx, intent); err != nil {
		return fmt.Errorf("handler %q: %w", intent.Action, err)
	}
	return nil
}
