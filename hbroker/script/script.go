// Package script executes administrator-supplied lookup expressions for the
// script naming scheme. Scripts are untrusted configuration content: they run
// inside a restricted expression evaluator with no filesystem, network, or
// process access, under a hard timeout, on their own goroutine so a hostile
// or runaway script cannot stall other lookups.
package script

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/radrouter/hbroker-app/hbroker/constants"
	hberrors "github.com/radrouter/hbroker-app/hbroker/errors"
	"github.com/radrouter/hbroker-app/hbroker/models"
)

// Sandbox compiles and runs lookup expressions. Compiled programs are cached
// by script hash, so editing a broker's script invalidates naturally.
type Sandbox struct {
	mu       sync.Mutex
	programs map[string]*vm.Program

	timeout time.Duration
}

func NewSandbox() *Sandbox {
	return &Sandbox{
		programs: make(map[string]*vm.Program),
		timeout:  constants.DefaultScriptTimeoutMillis * time.Millisecond,
	}
}

// environment builds the fixed capability surface visible to scripts: the
// lookup inputs plus a handful of pure string helpers. Nothing here can
// reach host state.
func environment(brokerName, idIn string, idType models.IDType, prefix string, mappingCount int) map[string]interface{} {
	return map[string]interface{}{
		"idIn":   idIn,
		"idType": string(idType),
		"prefix": prefix,
		"context": map[string]interface{}{
			"brokerName":   brokerName,
			"mappingCount": mappingCount,
		},
		"sprintf": fmt.Sprintf,
		"upper":   strings.ToUpper,
		"lower":   strings.ToLower,
		"sha12": func(s string) string {
			sum := sha256.Sum256([]byte(s))
			return strings.ToUpper(hex.EncodeToString(sum[:])[:12])
		},
	}
}

func (s *Sandbox) compile(broker *models.Broker) (*vm.Program, error) {
	if strings.TrimSpace(broker.LookupScript) == "" {
		return nil, &hberrors.ConfigurationError{
			BrokerName: broker.Name,
			Msg:        "script naming scheme requires a lookup script",
		}
	}

	sum := sha256.Sum256([]byte(broker.LookupScript))
	key := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	if program, ok := s.programs[key]; ok {
		return program, nil
	}

	program, err := expr.Compile(broker.LookupScript,
		expr.Env(environment("", "", "", "", 0)))
	if err != nil {
		return nil, &hberrors.ScriptExecutionError{Err: err, BrokerName: broker.Name}
	}

	s.programs[key] = program
	return program, nil
}

// Run evaluates the broker's lookup script and returns its output. A script
// error or timeout fails the lookup cleanly; the crosswalk store is never
// touched from here.
func (s *Sandbox) Run(ctx context.Context, broker *models.Broker, idIn string, idType models.IDType, prefix string, mappingCount int) (string, error) {
	program, err := s.compile(broker)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		out interface{}
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("script panic: %v", r)}
			}
		}()
		out, err := expr.Run(program, environment(broker.Name, idIn, idType, prefix, mappingCount))
		done <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", &hberrors.ScriptExecutionError{Err: ctx.Err(), BrokerName: broker.Name}
	case res := <-done:
		if res.err != nil {
			return "", &hberrors.ScriptExecutionError{Err: res.err, BrokerName: broker.Name}
		}
		out, ok := res.out.(string)
		if !ok {
			return "", &hberrors.ScriptOutputError{
				BrokerName: broker.Name,
				Msg:        fmt.Sprintf("expected string result, got %T", res.out),
			}
		}
		if out == "" {
			return "", &hberrors.ScriptOutputError{BrokerName: broker.Name, Msg: "empty result"}
		}
		return out, nil
	}
}

// SetTimeout overrides the script deadline. Intended for tests.
func (s *Sandbox) SetTimeout(d time.Duration) { s.timeout = d }
