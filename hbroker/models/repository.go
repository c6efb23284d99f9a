package models

import (
	"context"
)

// Repository contains the methods needed to interact with broker
// configuration and the crosswalk. The postgres implementation is the
// authoritative store; caches and in-process counters are disposable.
type Repository interface {
	BrokerRepository
	CrosswalkRepository
}

// BrokerRepository manages broker configuration rows.
type BrokerRepository interface {
	GetBroker(ctx context.Context, name string) (*Broker, error)

	ListBrokers(ctx context.Context) ([]*Broker, error)

	CreateBroker(ctx context.Context, broker Broker) error

	UpdateBroker(ctx context.Context, broker Broker) error

	// DeleteBroker removes the broker and all of its crosswalk entries in a
	// single transaction. Irreversible by design; callers must confirm.
	DeleteBroker(ctx context.Context, name string) error
}

// CrosswalkRepository manages the durable original-to-surrogate mappings.
type CrosswalkRepository interface {
	// GetCrosswalkEntry returns nil, nil when no entry exists for the key.
	GetCrosswalkEntry(ctx context.Context, broker string, idType IDType, idIn string) (*CrosswalkEntry, error)

	// CreateCrosswalkEntry atomically inserts the mapping. If an entry with
	// the same key already exists with a different idOut, it returns
	// *errors.ConflictError; inserting an identical mapping is a no-op.
	CreateCrosswalkEntry(ctx context.Context, entry CrosswalkEntry) error

	// ReverseLookup returns the entry whose idOut matches, nil, nil if none.
	ReverseLookup(ctx context.Context, broker string, idOut string) (*CrosswalkEntry, error)

	CountCrosswalkEntries(ctx context.Context, broker string) (int, error)

	// CountSurrogateEntries counts only entries whose id type is a surrogate
	// lookup class (see SurrogateIDTypes); it feeds the sequential counter,
	// which must not skip when date shift or UID audit rows land in between.
	CountSurrogateEntries(ctx context.Context, broker string) (int, error)

	ListCrosswalkEntries(ctx context.Context, broker string, limit, offset int) ([]*CrosswalkEntry, error)

	// TouchCrosswalkEntry bumps updated_at on cache repopulation. idOut is
	// never modified.
	TouchCrosswalkEntry(ctx context.Context, broker string, idType IDType, idIn string) error

	// DeleteCrosswalkEntries removes all entries for the broker and reports
	// how many rows were purged.
	DeleteCrosswalkEntries(ctx context.Context, broker string) (int64, error)
}
