// Package flighting evaluates feature flights. A flight is a boolean rule
// written in the expr language and evaluated against per-call attributes,
// for example:
//
//	CommandHistoryBlobAccountDisabled: account == "archive-2"
//	RePopulateExportDestinationFromQueues: bucket(commandId) < 25
//
// Unknown flights are disabled.
package flighting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"
	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
)

// Flight names consulted by the command history storage layer.
const (
	BlobAccountDisabled                   = "CommandHistoryBlobAccountDisabled"
	RePopulateExportDestinationFromQueues = "RePopulateExportDestinationFromQueues"
	EnableExportCommandReplay             = "EnableExportCommandReplay"
)

// Checker reports whether a flight is enabled for the given attributes.
type Checker interface {
	IsEnabled(ctx context.Context, name string, attrs map[string]any) bool
}

// Static is a Checker with fixed answers, ignoring attributes.
type Static map[string]bool

// IsEnabled implements Checker.
func (s Static) IsEnabled(_ context.Context, name string, _ map[string]any) bool {
	return s[name]
}

// Func adapts a function to Checker.
type Func func(ctx context.Context, name string, attrs map[string]any) bool

// IsEnabled implements Checker.
func (f Func) IsEnabled(ctx context.Context, name string, attrs map[string]any) bool {
	return f(ctx, name, attrs)
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger used to report rule evaluation failures.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

// Evaluator is a Checker backed by compiled expr programs.
type Evaluator struct {
	mu       sync.RWMutex
	programs map[string]*exprvm.Program
	logger   *slog.Logger
}

// NewEvaluator compiles rules, keyed by flight name.
func NewEvaluator(rules map[string]string, opts ...Option) (*Evaluator, error) {
	e := &Evaluator{
		programs: make(map[string]*exprvm.Program, len(rules)),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	for name, rule := range rules {
		if err := e.Set(name, rule); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Set compiles rule and installs it for name, replacing any previous rule.
func (e *Evaluator) Set(name, rule string) error {
	if rule == "" {
		return fmt.Errorf("flight %s: rule must not be empty", name)
	}
	program, err := exprlang.Compile(rule,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
		exprlang.AsBool(),
		bucketFunction,
	)
	if err != nil {
		return fmt.Errorf("flight %s: failed to compile rule: %w", name, err)
	}

	e.mu.Lock()
	e.programs[name] = program
	e.mu.Unlock()
	return nil
}

// IsEnabled implements Checker. Evaluation errors disable the flight.
func (e *Evaluator) IsEnabled(ctx context.Context, name string, attrs map[string]any) bool {
	e.mu.RLock()
	program, ok := e.programs[name]
	e.mu.RUnlock()
	if !ok {
		return false
	}

	env := make(map[string]any, len(attrs))
	for k, v := range attrs {
		env[k] = v
	}

	result, err := exprlang.Run(program, env)
	if err != nil {
		e.logger.WarnContext(ctx, "flight evaluation failed", "flight", name, "error", err)
		return false
	}
	enabled, _ := result.(bool)
	return enabled
}

// bucket(key) maps a string to a stable bucket in [0, 100).
var bucketFunction = exprlang.Function(
	"bucket",
	func(params ...any) (any, error) {
		key := fmt.Sprint(params[0])
		return int(xxhash.Sum64String(key) % 100), nil
	},
	new(func(string) int),
)

// Bucket exposes the bucketing used by rules so callers can reason about
// percentage rollouts.
func Bucket(key string) int {
	return int(xxhash.Sum64String(key) % 100)
}
