// Package naming implements the surrogate naming schemes. Every scheme is
// deterministic for a given input: themed and hashed schemes are seeded from
// a hash of the input identifier rather than any global counter, so a
// re-generation after a cache miss but before a store write converges on the
// same candidate.
package naming

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/radrouter/hbroker-app/hbroker/constants"
	hberrors "github.com/radrouter/hbroker-app/hbroker/errors"
	"github.com/radrouter/hbroker-app/hbroker/models"
	"github.com/radrouter/hbroker-app/hbroker/script"
)

// Engine produces candidate surrogate IDs. The collision check for hashed
// and themed schemes is a store read, so the engine holds a reference to the
// crosswalk repository; it never writes.
type Engine struct {
	store   models.CrosswalkRepository
	sandbox *script.Sandbox
}

func NewEngine(store models.CrosswalkRepository) *Engine {
	return &Engine{
		store:   store,
		sandbox: script.NewSandbox(),
	}
}

// Generate returns the surrogate value for idIn under the broker's naming
// scheme. mappingCount is the broker's current mapping count, supplied by
// the registry under its per-key generation lock.
func (e *Engine) Generate(ctx context.Context, broker *models.Broker, idIn string, idType models.IDType, mappingCount int) (string, error) {
	if idIn == "" {
		return "", &hberrors.InvalidInputError{Msg: "idIn must not be empty"}
	}

	prefix := broker.Prefix(idType)

	switch broker.NamingScheme {
	case models.SchemeSequential:
		return withPrefix(prefix, fmt.Sprintf("%0*d", constants.SequentialPadWidth, mappingCount+1)), nil

	case models.SchemeHash:
		candidate := withPrefix(prefix, hashHex(broker.Name, idIn))
		return e.ensureUnique(ctx, broker, idIn, candidate)

	case models.SchemeAdjectiveAnimal:
		seed := seedFor(broker.Name, idIn)
		candidate := withPrefix(prefix, fmt.Sprintf("%s-%s-%02d",
			adjectives[seed%uint64(len(adjectives))],
			animals[(seed>>16)%uint64(len(animals))],
			(seed>>32)%100))
		return e.ensureUnique(ctx, broker, idIn, candidate)

	case models.SchemeColorAnimal:
		seed := seedFor(broker.Name, idIn)
		candidate := withPrefix(prefix, fmt.Sprintf("%s-%s-%02d",
			colors[seed%uint64(len(colors))],
			animals[(seed>>16)%uint64(len(animals))],
			(seed>>32)%100))
		return e.ensureUnique(ctx, broker, idIn, candidate)

	case models.SchemeNATOPhonetic:
		seed := seedFor(broker.Name, idIn)
		candidate := withPrefix(prefix, fmt.Sprintf("%s-%s-%02d",
			natoAlphabet[seed%uint64(len(natoAlphabet))],
			natoAlphabet[(seed>>16)%uint64(len(natoAlphabet))],
			(seed>>32)%100))
		return e.ensureUnique(ctx, broker, idIn, candidate)

	case models.SchemeScript:
		out, err := e.sandbox.Run(ctx, broker, idIn, idType, prefix, mappingCount)
		if err != nil {
			return "", err
		}
		return e.ensureUnique(ctx, broker, idIn, out)

	default:
		return "", &hberrors.ConfigurationError{
			BrokerName: broker.Name,
			Msg:        fmt.Sprintf("unsupported naming scheme %q", broker.NamingScheme),
		}
	}
}

// ensureUnique verifies the candidate is not already assigned to a different
// input. When it is, a short numeric suffix is probed in order, so the
// result stays deterministic for a given store state.
func (e *Engine) ensureUnique(ctx context.Context, broker *models.Broker, idIn, candidate string) (string, error) {
	for i := 1; i <= constants.MaxCollisionProbes; i++ {
		probe := candidate
		if i > 1 {
			probe = fmt.Sprintf("%s-%d", candidate, i)
		}

		existing, err := e.store.ReverseLookup(ctx, broker.Name, probe)
		if err != nil {
			return "", err
		}
		if existing == nil || existing.IDIn == idIn {
			return probe, nil
		}
	}

	return "", &hberrors.ConfigurationError{
		BrokerName: broker.Name,
		Msg:        fmt.Sprintf("exhausted %d collision probes for candidate %q", constants.MaxCollisionProbes, candidate),
	}
}

func withPrefix(prefix, value string) string {
	if prefix == "" {
		return value
	}
	return prefix + "-" + value
}

// seedFor derives a deterministic seed from the broker-salted input.
func seedFor(brokerName, idIn string) uint64 {
	sum := sha256.Sum256([]byte(brokerName + "|" + idIn))
	return binary.BigEndian.Uint64(sum[:8])
}

// hashHex is the hash scheme digest: broker-salted sha256, truncated to
// twelve uppercase hex characters.
func hashHex(brokerName, idIn string) string {
	sum := sha256.Sum256([]byte(brokerName + "|" + idIn))
	return strings.ToUpper(hex.EncodeToString(sum[:])[:constants.HashLength])
}
