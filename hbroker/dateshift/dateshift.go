// Package dateshift assigns each patient a single signed day offset per
// broker so every date for that patient shifts by the same amount across all
// studies. The offset is derived deterministically from the patient key and
// persisted through the crosswalk store; applying it to a date is a pure
// function.
package dateshift

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/pkg/errors"

	hberrors "github.com/radrouter/hbroker-app/hbroker/errors"
	"github.com/radrouter/hbroker-app/hbroker/models"
)

type Engine struct {
	store models.CrosswalkRepository
}

func NewEngine(store models.CrosswalkRepository) *Engine {
	return &Engine{store: store}
}

// OffsetFor returns the broker's day offset for the patient, generating and
// persisting it on first use. The offset is seeded from a hash of the
// patient key, not wall-clock time, so a retried first request converges on
// the same value even before the store write lands.
func (e *Engine) OffsetFor(ctx context.Context, broker *models.Broker, patientKey string) (int, error) {
	if patientKey == "" {
		return 0, &hberrors.InvalidInputError{Msg: "patient key must not be empty"}
	}
	if broker.DateShiftMaxDays < broker.DateShiftMinDays {
		return 0, &hberrors.ConfigurationError{
			BrokerName: broker.Name,
			Msg: fmt.Sprintf("date shift range [%d, %d] is inverted",
				broker.DateShiftMinDays, broker.DateShiftMaxDays),
		}
	}

	entry, err := e.store.GetCrosswalkEntry(ctx, broker.Name, models.IDTypeDateShift, patientKey)
	if err != nil {
		return 0, errors.Wrap(err, "reading date shift assignment")
	}
	if entry != nil {
		return strconv.Atoi(entry.IDOut)
	}

	offset := derive(broker.Name, patientKey, broker.DateShiftMinDays, broker.DateShiftMaxDays)

	err = e.store.CreateCrosswalkEntry(ctx, models.CrosswalkEntry{
		BrokerName: broker.Name,
		IDType:     models.IDTypeDateShift,
		IDIn:       patientKey,
		IDOut:      strconv.Itoa(offset),
	})
	if err != nil {
		var conflict *hberrors.ConflictError
		if errors.As(err, &conflict) {
			// Another caller assigned first; their value wins.
			return strconv.Atoi(conflict.Existing)
		}
		return 0, errors.Wrap(err, "persisting date shift assignment")
	}

	return offset, nil
}

// ShiftDate applies the offset. Pure; no state involved.
func ShiftDate(t time.Time, offsetDays int) time.Time {
	return t.AddDate(0, 0, offsetDays)
}

func derive(brokerName, patientKey string, minDays, maxDays int) int {
	sum := sha256.Sum256([]byte(brokerName + "|" + patientKey))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))

	span := maxDays - minDays + 1
	// #nosec G404 -- deterministic seeding is the point; this is not a secret
	return minDays + rand.New(rand.NewSource(seed)).Intn(span)
}
