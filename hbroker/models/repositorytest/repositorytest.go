// Package repositorytest provides an in-memory models.Repository used by
// package tests in place of a live database. It honors the same conflict
// semantics as the postgres implementation.
package repositorytest

import (
	"context"
	"sort"
	"sync"
	"time"

	hberrors "github.com/radrouter/hbroker-app/hbroker/errors"
	"github.com/radrouter/hbroker-app/hbroker/models"
)

type key struct {
	broker string
	idType models.IDType
	idIn   string
}

type MemoryRepository struct {
	mu      sync.Mutex
	brokers map[string]models.Broker
	entries map[key]models.CrosswalkEntry
	nextID  uint

	// FailCreates, when set, makes CreateCrosswalkEntry return this error.
	FailCreates error
}

var _ models.Repository = &MemoryRepository{}

func New() *MemoryRepository {
	return &MemoryRepository{
		brokers: make(map[string]models.Broker),
		entries: make(map[key]models.CrosswalkEntry),
		nextID:  1,
	}
}

func (r *MemoryRepository) GetBroker(ctx context.Context, name string) (*models.Broker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.brokers[name]; ok {
		copy := b
		return &copy, nil
	}
	return nil, nil
}

func (r *MemoryRepository) ListBrokers(ctx context.Context) ([]*models.Broker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.brokers))
	for name := range r.brokers {
		names = append(names, name)
	}
	sort.Strings(names)

	brokers := make([]*models.Broker, 0, len(names))
	for _, name := range names {
		b := r.brokers[name]
		brokers = append(brokers, &b)
	}
	return brokers, nil
}

func (r *MemoryRepository) CreateBroker(ctx context.Context, broker models.Broker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	broker.CreatedAt, broker.UpdatedAt = now, now
	r.brokers[broker.Name] = broker
	return nil
}

func (r *MemoryRepository) UpdateBroker(ctx context.Context, broker models.Broker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.brokers[broker.Name]
	if !ok {
		return &hberrors.BrokerNotFoundError{BrokerName: broker.Name}
	}
	broker.CreatedAt = existing.CreatedAt
	broker.UpdatedAt = time.Now()
	r.brokers[broker.Name] = broker
	return nil
}

func (r *MemoryRepository) DeleteBroker(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.brokers[name]; !ok {
		return &hberrors.BrokerNotFoundError{BrokerName: name}
	}
	delete(r.brokers, name)
	for k := range r.entries {
		if k.broker == name {
			delete(r.entries, k)
		}
	}
	return nil
}

func (r *MemoryRepository) GetCrosswalkEntry(ctx context.Context, broker string, idType models.IDType, idIn string) (*models.CrosswalkEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key{broker, idType, idIn}]; ok {
		copy := e
		return &copy, nil
	}
	return nil, nil
}

func (r *MemoryRepository) CreateCrosswalkEntry(ctx context.Context, entry models.CrosswalkEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailCreates != nil {
		return r.FailCreates
	}
	k := key{entry.BrokerName, entry.IDType, entry.IDIn}
	if existing, ok := r.entries[k]; ok {
		if existing.IDOut != entry.IDOut {
			return &hberrors.ConflictError{
				BrokerName: entry.BrokerName,
				IDType:     string(entry.IDType),
				IDIn:       entry.IDIn,
				Existing:   existing.IDOut,
			}
		}
		return nil
	}
	now := time.Now()
	entry.ID = r.nextID
	r.nextID++
	entry.CreatedAt, entry.UpdatedAt = now, now
	r.entries[k] = entry
	return nil
}

func (r *MemoryRepository) ReverseLookup(ctx context.Context, broker string, idOut string) (*models.CrosswalkEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var match *models.CrosswalkEntry
	for k, e := range r.entries {
		if k.broker == broker && e.IDOut == idOut {
			if match == nil || e.CreatedAt.Before(match.CreatedAt) {
				copy := e
				match = &copy
			}
		}
	}
	return match, nil
}

func (r *MemoryRepository) CountCrosswalkEntries(ctx context.Context, broker string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for k := range r.entries {
		if k.broker == broker {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository) CountSurrogateEntries(ctx context.Context, broker string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for k := range r.entries {
		if k.broker == broker && k.idType.IsSurrogate() {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository) ListCrosswalkEntries(ctx context.Context, broker string, limit, offset int) ([]*models.CrosswalkEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*models.CrosswalkEntry
	for k, e := range r.entries {
		if k.broker == broker {
			copy := e
			all = append(all, &copy)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (r *MemoryRepository) TouchCrosswalkEntry(ctx context.Context, broker string, idType models.IDType, idIn string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{broker, idType, idIn}
	if e, ok := r.entries[k]; ok {
		e.UpdatedAt = time.Now()
		r.entries[k] = e
	}
	return nil
}

func (r *MemoryRepository) DeleteCrosswalkEntries(ctx context.Context, broker string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var purged int64
	for k := range r.entries {
		if k.broker == broker {
			delete(r.entries, k)
			purged++
		}
	}
	return purged, nil
}
