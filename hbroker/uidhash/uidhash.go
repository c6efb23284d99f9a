// Package uidhash deterministically rewrites DICOM UIDs. Hashing is keyed so
// outputs are stable across restarts but not trivially reversible without
// the key; the optional crosswalk recording exists purely for audit and
// reverse lookup.
package uidhash

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"math/big"

	"github.com/radrouter/hbroker-app/hbroker/constants"
	"github.com/radrouter/hbroker-app/hbroker/models"
	"github.com/radrouter/hbroker-app/log"
)

type Engine struct {
	key   []byte
	root  string
	store models.CrosswalkRepository
}

// NewEngine builds a UID hasher over the given store. root prefixes every
// generated UID; the default is the UUID-derived OID arc.
func NewEngine(store models.CrosswalkRepository, key, root string) *Engine {
	if root == "" {
		root = constants.DefaultUIDRoot
	}
	return &Engine{
		key:   []byte(key),
		root:  root,
		store: store,
	}
}

// Hash maps a UID onto a new UID under the engine's root: the keyed digest
// is rendered as a decimal arc, keeping the result inside DICOM's 64-char,
// digits-and-dots grammar.
func (e *Engine) Hash(uid string) string {
	mac := hmac.New(sha256.New, e.key)
	mac.Write([]byte(uid))
	sum := mac.Sum(nil)

	// 16 bytes of digest gives a 128-bit decimal arc, well inside the limit.
	arc := new(big.Int).SetBytes(sum[:16]).String()
	return e.root + "." + arc
}

// HashAndRecord hashes the UID and, when the broker audits UID mappings,
// records the pair through the crosswalk store. The hash never depends on
// the recording succeeding; a failed write is logged and the value returned
// regardless.
func (e *Engine) HashAndRecord(ctx context.Context, broker *models.Broker, uid string, uidType models.IDType) string {
	hashed := e.Hash(uid)

	if broker.HashUIDsEnabled {
		err := e.store.CreateCrosswalkEntry(ctx, models.CrosswalkEntry{
			BrokerName: broker.Name,
			IDType:     uidType,
			IDIn:       uid,
			IDOut:      hashed,
		})
		if err != nil {
			log.Registry.WithError(err).
				Warnf("failed to record UID mapping for broker %s", broker.Name)
		}
	}

	return hashed
}
