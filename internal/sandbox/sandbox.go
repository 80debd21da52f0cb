// Package sandbox hosts one strategy invocation inside a restricted goja
// VM: a narrow capability surface (indicator functions, the HP broker
// façade, a read-only context) plus a wall-clock execution timeout.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/dop251/goja"

	"strategy-runner/internal/broker"
	"strategy-runner/internal/indicator"
	"strategy-runner/internal/logging"
)

// defaultTimeout is the wall-clock budget a compiled script's execution is
// held to when Config.Timeout is unset.
const defaultTimeout = 5 * time.Second

// Config bounds sandbox execution.
type Config struct {
	Timeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
}

// Host executes strategy source inside a fresh restricted VM per call.
// Each Run gets its own goja.Runtime: VM state is never shared across
// invocations, matching the indicator Engine's own per-invocation
// lifetime.
type Host struct {
	cfg Config
	log *logging.Logger
}

// NewHost builds a sandbox host.
func NewHost(cfg Config) *Host {
	cfg.setDefaults()
	return &Host{cfg: cfg, log: logging.WithComponent("sandbox")}
}

// Capabilities is the narrow set of bindings injected into one invocation:
// the indicator engine, the broker façade, and the read-only context.
type Capabilities struct {
	Engine   *indicator.Engine
	Broker   *broker.Handle
	Exchange string
	Symbol   string
}

// ErrTimeout is returned when the script did not finish within the
// configured wall-clock budget.
var ErrTimeout = errors.New("sandbox: execution timed out")

// Run compiles and executes source inside a new restricted VM bound to
// caps, enforcing the wall-clock timeout. A thrown JS exception or a
// timeout both surface as a non-nil error; neither
// panics.
func (h *Host) Run(ctx context.Context, source string, caps Capabilities) error {
	vm := goja.New()
	lockDown(vm)
	bindContext(vm, caps.Exchange, caps.Symbol)
	bindIndicators(vm, caps.Engine)
	bindBroker(vm, caps.Broker, ctx)

	prog, err := goja.Compile("strategy.js", source, false)
	if err != nil {
		return fmt.Errorf("sandbox: compile: %w", err)
	}

	type result struct {
		err error
	}
	done := make(chan result, 1)

	timer := time.AfterFunc(h.cfg.Timeout, func() {
		vm.Interrupt(ErrTimeout)
	})
	defer timer.Stop()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("sandbox: panic: %v", r)}
			}
		}()
		_, runErr := vm.RunProgram(prog)
		done <- result{err: runErr}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			var interrupted *goja.InterruptedError
			if errors.As(res.err, &interrupted) {
				return ErrTimeout
			}
			return fmt.Errorf("sandbox: %w", res.err)
		}
		return nil
	case <-ctx.Done():
		vm.Interrupt("cancelled")
		<-done
		return ctx.Err()
	}
}

// lockDown strips dynamic-code-generation and host-escape surfaces: no
// eval, no Function-from-string, no module loader.
// goja never implements filesystem, network, process, or WebAssembly
// bindings, so nothing needs to be removed for those.
func lockDown(vm *goja.Runtime) {
	vm.GlobalObject().Delete("eval")
	vm.GlobalObject().Delete("Function")
	vm.GlobalObject().Delete("require")
}

func bindContext(vm *goja.Runtime, exchange, symbol string) {
	vm.Set("context", map[string]any{
		"exchange": exchange,
		"symbol":   symbol,
	})
}

// tfLiteralPattern matches the conservative `tf: "<interval>"` literal
// scan used to discover a strategy's required timeframes.
var tfLiteralPattern = regexp.MustCompile(`tf\s*:\s*["']([A-Za-z0-9]+)["']`)

// ExtractTimeframes returns the deduped set of `tf: "<interval>"` literal
// occurrences found in source, or {"1m"} if none are found.
func ExtractTimeframes(source string) []string {
	matches := tfLiteralPattern.FindAllStringSubmatch(source, -1)
	seen := make(map[string]bool)
	var out []string
	for _, m := range matches {
		tf := m[1]
		if seen[tf] {
			continue
		}
		seen[tf] = true
		out = append(out, tf)
	}
	if len(out) == 0 {
		return []string{"1m"}
	}
	return out
}
