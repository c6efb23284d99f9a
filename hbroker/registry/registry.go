// Package registry owns the configured brokers and routes lookup calls. It
// serializes generation of new mappings per key, keeps the cache and store
// consistent, and is the only call surface anonymization and forwarding
// logic needs.
package registry

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/pkg/errors"

	"github.com/radrouter/hbroker-app/hbroker/cache"
	"github.com/radrouter/hbroker-app/hbroker/client"
	"github.com/radrouter/hbroker-app/hbroker/dateshift"
	hberrors "github.com/radrouter/hbroker-app/hbroker/errors"
	"github.com/radrouter/hbroker-app/hbroker/models"
	"github.com/radrouter/hbroker-app/hbroker/naming"
	"github.com/radrouter/hbroker-app/hbroker/uidhash"
	"github.com/radrouter/hbroker-app/log"
)

// lockStripes bounds the memory spent on per-key generation locks. Lookups
// for different keys proceed in parallel unless they happen to share a
// stripe.
const lockStripes = 256

type Registry struct {
	repo      models.Repository
	cache     *cache.LookupCache
	naming    *naming.Engine
	dateShift *dateshift.Engine
	uidHash   *uidhash.Engine

	locks [lockStripes]sync.Mutex

	// brokerLocks serialize local generation per broker: sequential counters
	// and collision probes read broker-wide state, so two first-time lookups
	// for different inputs must not generate concurrently. Always acquired
	// after the per-key lock, never the other way around.
	brokerLocks [lockStripes]sync.Mutex

	clientsMu sync.Mutex
	clients   map[string]*client.RemoteBroker
}

// New builds a registry over the authoritative repository. uidHashKey keys
// the UID hash engine; uidRoot overrides the hashed-UID root arc when set.
func New(repo models.Repository, uidHashKey, uidRoot string) *Registry {
	return &Registry{
		repo:      repo,
		cache:     cache.New(),
		naming:    naming.NewEngine(repo),
		dateShift: dateshift.NewEngine(repo),
		uidHash:   uidhash.NewEngine(repo, uidHashKey, uidRoot),
		clients:   make(map[string]*client.RemoteBroker),
	}
}

// Lookup resolves the surrogate for (brokerName, idIn, idType), generating
// and persisting it on first sight. Once assigned a mapping is immutable:
// every future call observes the same idOut.
func (r *Registry) Lookup(ctx context.Context, brokerName, idIn string, idType models.IDType) (string, error) {
	if idIn == "" {
		return "", &hberrors.InvalidInputError{Msg: "idIn must not be empty"}
	}

	broker, err := r.resolve(ctx, brokerName)
	if err != nil {
		return "", err
	}

	if idOut, hit := r.cache.Get(broker, idType, idIn); hit {
		return idOut, nil
	}

	entry, err := r.repo.GetCrosswalkEntry(ctx, broker.Name, idType, idIn)
	if err != nil {
		return "", r.storeErr(ctx, broker.Name, err)
	}
	if entry != nil {
		r.repopulate(ctx, broker, idType, idIn, entry.IDOut)
		return entry.IDOut, nil
	}

	// Serialize generation for this key so concurrent first-time lookups
	// produce exactly one mapping. Held only across generation and commit;
	// reads for already-mapped keys never arrive here.
	lock := r.lockFor(broker.Name, idType, idIn)
	lock.Lock()
	defer lock.Unlock()

	// Double-checked read: another goroutine may have just written it.
	entry, err = r.repo.GetCrosswalkEntry(ctx, broker.Name, idType, idIn)
	if err != nil {
		return "", r.storeErr(ctx, broker.Name, err)
	}
	if entry != nil {
		r.repopulate(ctx, broker, idType, idIn, entry.IDOut)
		return entry.IDOut, nil
	}

	if broker.Type == models.BrokerTypeLocal {
		// Local generation reads the surrogate count and probes candidate
		// uniqueness, both broker-wide state: the count-read, generation and
		// commit must happen as one unit per broker or two distinct inputs
		// can be assigned the same surrogate. Remote lookups stay outside
		// this lock; the external service owns its own output space.
		bl := r.brokerLockFor(broker.Name)
		bl.Lock()
		defer bl.Unlock()
	}

	idOut, err := r.generate(ctx, broker, idIn, idType)
	if err != nil {
		if ctx.Err() != nil {
			return "", &hberrors.TimeoutError{Err: ctx.Err(), BrokerName: broker.Name}
		}
		return "", err
	}

	err = r.repo.CreateCrosswalkEntry(ctx, models.CrosswalkEntry{
		BrokerName: broker.Name,
		IDType:     idType,
		IDIn:       idIn,
		IDOut:      idOut,
	})
	if err != nil {
		var conflict *hberrors.ConflictError
		if errors.As(err, &conflict) {
			// Lost the race across processes; first writer wins and the
			// caller gets the stored value, never an error.
			log.Registry.WithFields(map[string]interface{}{
				"broker": broker.Name, "id_type": idType,
			}).Info("mapping conflict resolved by re-read")
			r.cache.Put(broker, idType, idIn, conflict.Existing)
			return conflict.Existing, nil
		}
		return "", r.storeErr(ctx, broker.Name, err)
	}

	r.cache.Put(broker, idType, idIn, idOut)
	return idOut, nil
}

// TestLookup is the console's synchronous test call. Deliberately identical
// to the production path.
func (r *Registry) TestLookup(ctx context.Context, brokerName, idIn string, idType models.IDType) (string, error) {
	return r.Lookup(ctx, brokerName, idIn, idType)
}

// OffsetFor returns the per-patient date shift for the broker, or 0 when the
// broker does not shift dates.
func (r *Registry) OffsetFor(ctx context.Context, brokerName, patientKey string) (int, error) {
	broker, err := r.resolve(ctx, brokerName)
	if err != nil {
		return 0, err
	}
	if !broker.DateShiftEnabled {
		return 0, nil
	}

	// Same serialization as mapping generation: one assignment per patient.
	lock := r.lockFor(broker.Name, models.IDTypeDateShift, patientKey)
	lock.Lock()
	defer lock.Unlock()

	return r.dateShift.OffsetFor(ctx, broker, patientKey)
}

// HashUID rewrites a DICOM UID for the broker, recording the mapping when
// the broker audits UID hashes.
func (r *Registry) HashUID(ctx context.Context, brokerName, uid string, uidType models.IDType) (string, error) {
	broker, err := r.resolve(ctx, brokerName)
	if err != nil {
		return "", err
	}
	return r.uidHash.HashAndRecord(ctx, broker, uid, uidType), nil
}

// GetBrokerSummary returns the dashboard view of a broker.
func (r *Registry) GetBrokerSummary(ctx context.Context, brokerName string) (*models.BrokerSummary, error) {
	broker, err := r.repo.GetBroker(ctx, brokerName)
	if err != nil {
		return nil, err
	}
	if broker == nil {
		return nil, &hberrors.BrokerNotFoundError{BrokerName: brokerName}
	}

	count, err := r.repo.CountCrosswalkEntries(ctx, brokerName)
	if err != nil {
		return nil, err
	}

	return &models.BrokerSummary{
		Name:         broker.Name,
		Enabled:      broker.Enabled,
		Type:         broker.Type,
		NamingScheme: broker.NamingScheme,
		MappingCount: count,
	}, nil
}

// PurgeCache drops the broker's cached mappings and any stale remote
// client. Called after broker configuration changes and deletes.
func (r *Registry) PurgeCache(brokerName string) {
	r.cache.Purge(brokerName)

	r.clientsMu.Lock()
	delete(r.clients, brokerName)
	r.clientsMu.Unlock()
}

func (r *Registry) resolve(ctx context.Context, brokerName string) (*models.Broker, error) {
	broker, err := r.repo.GetBroker(ctx, brokerName)
	if err != nil {
		return nil, r.storeErr(ctx, brokerName, err)
	}
	if broker == nil {
		return nil, &hberrors.BrokerNotFoundError{BrokerName: brokerName}
	}
	if !broker.Enabled {
		return nil, &hberrors.BrokerDisabledError{BrokerName: brokerName}
	}
	return broker, nil
}

func (r *Registry) generate(ctx context.Context, broker *models.Broker, idIn string, idType models.IDType) (string, error) {
	if broker.Type == models.BrokerTypeRemote {
		return r.remoteClient(broker).Lookup(ctx, idIn, idType)
	}

	// The surrogate count feeds sequential and scripted schemes; it is read
	// under the broker generation lock, never from a racy snapshot, and
	// excludes date shift and UID audit rows so the k-th patient gets k.
	count, err := r.repo.CountSurrogateEntries(ctx, broker.Name)
	if err != nil {
		return "", r.storeErr(ctx, broker.Name, err)
	}

	return r.naming.Generate(ctx, broker, idIn, idType, count)
}

func (r *Registry) remoteClient(broker *models.Broker) *client.RemoteBroker {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()

	c, ok := r.clients[broker.Name]
	if !ok || !c.ConfigUpdatedAt().Equal(broker.UpdatedAt) {
		c = client.NewRemoteBroker(*broker)
		r.clients[broker.Name] = c
	}
	return c
}

// repopulate refreshes the cache from a store hit and bumps the entry's
// updated_at. The touch is best-effort; the mapping itself never changes.
func (r *Registry) repopulate(ctx context.Context, broker *models.Broker, idType models.IDType, idIn, idOut string) {
	r.cache.Put(broker, idType, idIn, idOut)
	if err := r.repo.TouchCrosswalkEntry(ctx, broker.Name, idType, idIn); err != nil {
		log.Registry.WithError(err).Warnf("failed to touch crosswalk entry for broker %s", broker.Name)
	}
}

func (r *Registry) storeErr(ctx context.Context, brokerName string, err error) error {
	if ctx.Err() != nil {
		return &hberrors.TimeoutError{Err: ctx.Err(), BrokerName: brokerName}
	}
	return errors.Wrap(err, "crosswalk store")
}

func (r *Registry) brokerLockFor(brokerName string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(brokerName))
	return &r.brokerLocks[h.Sum32()%lockStripes]
}

func (r *Registry) lockFor(brokerName string, idType models.IDType, idIn string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(brokerName))
	h.Write([]byte{'|'})
	h.Write([]byte(idType))
	h.Write([]byte{'|'})
	h.Write([]byte(idIn))
	return &r.locks[h.Sum32()%lockStripes]
}
