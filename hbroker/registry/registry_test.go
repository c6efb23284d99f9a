package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	hberrors "github.com/radrouter/hbroker-app/hbroker/errors"
	"github.com/radrouter/hbroker-app/hbroker/models"
	"github.com/radrouter/hbroker-app/hbroker/models/repositorytest"
)

type RegistryTestSuite struct {
	suite.Suite

	repo *repositorytest.MemoryRepository
	reg  *Registry
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func (s *RegistryTestSuite) SetupTest() {
	s.repo = repositorytest.New()
	s.reg = New(s.repo, "test-uid-key", "")
}

func (s *RegistryTestSuite) addBroker(mutate func(*models.Broker)) models.Broker {
	broker := models.Broker{
		Name:             "demo",
		Enabled:          true,
		Type:             models.BrokerTypeLocal,
		NamingScheme:     models.SchemeSequential,
		PatientIDPrefix:  "SUBJ",
		ReplacePatientID: true,
	}
	if mutate != nil {
		mutate(&broker)
	}
	require.NoError(s.T(), s.repo.CreateBroker(context.Background(), broker))
	return broker
}

func (s *RegistryTestSuite) TestFirstLookupAssignsAndPersists() {
	s.addBroker(nil)

	idOut, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "SUBJ-0001", idOut)

	entry, err := s.repo.GetCrosswalkEntry(context.Background(), "demo", models.IDTypePatientID, "P001")
	require.NoError(s.T(), err)
	require.NotNil(s.T(), entry)
	assert.Equal(s.T(), "SUBJ-0001", entry.IDOut)
}

func (s *RegistryTestSuite) TestRepeatLookupIsStable() {
	s.addBroker(nil)

	first, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)
	require.NoError(s.T(), err)

	for i := 0; i < 5; i++ {
		idOut, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)
		require.NoError(s.T(), err)
		assert.Equal(s.T(), first, idOut)
	}

	count, err := s.repo.CountCrosswalkEntries(context.Background(), "demo")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 1, count)
}

func (s *RegistryTestSuite) TestSequentialNumbersAdvance() {
	s.addBroker(nil)

	first, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)
	require.NoError(s.T(), err)
	second, err := s.reg.Lookup(context.Background(), "demo", "P002", models.IDTypePatientID)
	require.NoError(s.T(), err)

	assert.Equal(s.T(), "SUBJ-0001", first)
	assert.Equal(s.T(), "SUBJ-0002", second)
}

func (s *RegistryTestSuite) TestMappingImmutable() {
	s.addBroker(nil)

	// A pre-existing assignment survives regardless of what the scheme
	// would generate today.
	require.NoError(s.T(), s.repo.CreateCrosswalkEntry(context.Background(), models.CrosswalkEntry{
		BrokerName: "demo",
		IDType:     models.IDTypePatientID,
		IDIn:       "P001",
		IDOut:      "LEGACY-99",
	}))

	idOut, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "LEGACY-99", idOut)
}

func (s *RegistryTestSuite) TestConcurrentLookupsSingleAssignment() {
	s.addBroker(nil)

	const workers = 32
	results := make([]string, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(s.T(), errs[i])
		assert.Equal(s.T(), results[0], results[i])
	}

	count, err := s.repo.CountCrosswalkEntries(context.Background(), "demo")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 1, count)
}

func (s *RegistryTestSuite) TestConcurrentDistinctInputsGetDistinctSurrogates() {
	s.addBroker(nil)

	const workers = 16
	results := make([]string, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.reg.Lookup(context.Background(), "demo",
				fmt.Sprintf("P%03d", i), models.IDTypePatientID)
		}(i)
	}
	wg.Wait()

	// Every distinct input owns a distinct surrogate, and together they
	// cover the counter range exactly once.
	seen := make(map[string]bool, workers)
	for i := 0; i < workers; i++ {
		require.NoError(s.T(), errs[i])
		assert.False(s.T(), seen[results[i]], "surrogate %s assigned twice", results[i])
		seen[results[i]] = true
	}
	for i := 1; i <= workers; i++ {
		assert.True(s.T(), seen[fmt.Sprintf("SUBJ-%04d", i)])
	}
}

func (s *RegistryTestSuite) TestSequentialCounterIgnoresDateShiftAndUIDRows() {
	s.addBroker(func(b *models.Broker) {
		b.DateShiftEnabled = true
		b.DateShiftMinDays = -30
		b.DateShiftMaxDays = 30
		b.HashUIDsEnabled = true
	})

	_, err := s.reg.OffsetFor(context.Background(), "demo", "P001")
	require.NoError(s.T(), err)
	_, err = s.reg.HashUID(context.Background(), "demo", "1.2.840.113619.2.55.3.1", models.IDTypeStudyUID)
	require.NoError(s.T(), err)

	// Two non-surrogate rows exist; the first patient still gets counter 1.
	idOut, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "SUBJ-0001", idOut)

	_, err = s.reg.OffsetFor(context.Background(), "demo", "P002")
	require.NoError(s.T(), err)

	idOut, err = s.reg.Lookup(context.Background(), "demo", "P002", models.IDTypePatientID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "SUBJ-0002", idOut)
}

func (s *RegistryTestSuite) TestCacheTransparent() {
	s.addBroker(func(b *models.Broker) {
		b.CacheEnabled = true
		b.CacheTTLSeconds = 60
	})

	first, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)
	require.NoError(s.T(), err)

	// Cached read.
	cached, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), first, cached)

	// Purge and read again straight from the store.
	s.reg.PurgeCache("demo")
	uncached, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), first, uncached)
}

func (s *RegistryTestSuite) TestCacheExpiryFallsBackToStore() {
	s.addBroker(func(b *models.Broker) {
		b.CacheEnabled = true
		b.CacheTTLSeconds = 1
	})

	first, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)
	require.NoError(s.T(), err)

	time.Sleep(1100 * time.Millisecond)

	idOut, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), first, idOut)

	count, err := s.repo.CountCrosswalkEntries(context.Background(), "demo")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 1, count)
}

func (s *RegistryTestSuite) TestScriptFailureLeavesNoMapping() {
	s.addBroker(func(b *models.Broker) {
		b.NamingScheme = models.SchemeScript
		b.LookupScript = `int(idIn)`
	})

	_, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)

	var execErr *hberrors.ScriptExecutionError
	require.ErrorAs(s.T(), err, &execErr)

	count, countErr := s.repo.CountCrosswalkEntries(context.Background(), "demo")
	require.NoError(s.T(), countErr)
	assert.Zero(s.T(), count)

	// Fix the script; the lookup now succeeds and persists exactly once.
	broker, err := s.repo.GetBroker(context.Background(), "demo")
	require.NoError(s.T(), err)
	broker.LookupScript = `prefix + "-" + upper(idIn)`
	require.NoError(s.T(), s.repo.UpdateBroker(context.Background(), *broker))

	idOut, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "SUBJ-P001", idOut)

	count, countErr = s.repo.CountCrosswalkEntries(context.Background(), "demo")
	require.NoError(s.T(), countErr)
	assert.Equal(s.T(), 1, count)
}

func (s *RegistryTestSuite) TestRemoteAuthFailureSurfacesAndWritesNothing() {
	sts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_client", http.StatusUnauthorized)
	}))
	defer sts.Close()

	s.addBroker(func(b *models.Broker) {
		b.Type = models.BrokerTypeRemote
		b.STSURL = sts.URL
		b.APIURL = sts.URL + "/lookup"
		b.ClientID = "bad"
		b.ClientSecret = "creds"
	})

	_, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)

	var authErr *hberrors.AuthError
	require.ErrorAs(s.T(), err, &authErr)

	count, countErr := s.repo.CountCrosswalkEntries(context.Background(), "demo")
	require.NoError(s.T(), countErr)
	assert.Zero(s.T(), count)
}

func (s *RegistryTestSuite) TestRemoteLookupPersistsResult() {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/lookup", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"idOut": "EXT-0042"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s.addBroker(func(b *models.Broker) {
		b.Type = models.BrokerTypeRemote
		b.STSURL = srv.URL
		b.APIURL = srv.URL + "/lookup"
		b.ClientID = "id"
		b.ClientSecret = "secret"
	})

	idOut, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "EXT-0042", idOut)

	entry, err := s.repo.GetCrosswalkEntry(context.Background(), "demo", models.IDTypePatientID, "P001")
	require.NoError(s.T(), err)
	require.NotNil(s.T(), entry)
	assert.Equal(s.T(), "EXT-0042", entry.IDOut)
}

func (s *RegistryTestSuite) TestUnknownBroker() {
	_, err := s.reg.Lookup(context.Background(), "nope", "P001", models.IDTypePatientID)

	var notFound *hberrors.BrokerNotFoundError
	assert.ErrorAs(s.T(), err, &notFound)
}

func (s *RegistryTestSuite) TestDisabledBroker() {
	s.addBroker(func(b *models.Broker) { b.Enabled = false })

	_, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)

	var disabled *hberrors.BrokerDisabledError
	assert.ErrorAs(s.T(), err, &disabled)
}

func (s *RegistryTestSuite) TestEmptyInput() {
	s.addBroker(nil)

	_, err := s.reg.Lookup(context.Background(), "demo", "", models.IDTypePatientID)

	var invalid *hberrors.InvalidInputError
	assert.ErrorAs(s.T(), err, &invalid)
}

func (s *RegistryTestSuite) TestCancelledContextMapsToTimeout() {
	s.addBroker(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.reg.Lookup(ctx, "demo", "P001", models.IDTypePatientID)

	var timeout *hberrors.TimeoutError
	assert.ErrorAs(s.T(), err, &timeout)
}

func (s *RegistryTestSuite) TestConflictResolvedFirstWriterWins() {
	s.addBroker(nil)

	s.repo.FailCreates = &hberrors.ConflictError{
		BrokerName: "demo",
		IDType:     string(models.IDTypePatientID),
		IDIn:       "P001",
		Existing:   "SUBJ-7777",
	}

	idOut, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "SUBJ-7777", idOut)
}

func (s *RegistryTestSuite) TestOffsetForDisabledBrokerReturnsZero() {
	s.addBroker(nil)

	offset, err := s.reg.OffsetFor(context.Background(), "demo", "P001")
	require.NoError(s.T(), err)
	assert.Zero(s.T(), offset)
}

func (s *RegistryTestSuite) TestOffsetForStable() {
	s.addBroker(func(b *models.Broker) {
		b.DateShiftEnabled = true
		b.DateShiftMinDays = -30
		b.DateShiftMaxDays = 30
	})

	first, err := s.reg.OffsetFor(context.Background(), "demo", "P001")
	require.NoError(s.T(), err)
	assert.GreaterOrEqual(s.T(), first, -30)
	assert.LessOrEqual(s.T(), first, 30)

	again, err := s.reg.OffsetFor(context.Background(), "demo", "P001")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), first, again)
}

func (s *RegistryTestSuite) TestHashUID() {
	s.addBroker(func(b *models.Broker) { b.HashUIDsEnabled = true })

	const uid = "1.2.840.113619.2.55.3.1"

	hashed, err := s.reg.HashUID(context.Background(), "demo", uid, models.IDTypeStudyUID)
	require.NoError(s.T(), err)
	assert.NotEqual(s.T(), uid, hashed)

	entry, err := s.repo.GetCrosswalkEntry(context.Background(), "demo", models.IDTypeStudyUID, uid)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), entry)
	assert.Equal(s.T(), hashed, entry.IDOut)
}

func (s *RegistryTestSuite) TestGetBrokerSummary() {
	s.addBroker(nil)

	for i := 0; i < 3; i++ {
		_, err := s.reg.Lookup(context.Background(), "demo", fmt.Sprintf("P%03d", i), models.IDTypePatientID)
		require.NoError(s.T(), err)
	}

	summary, err := s.reg.GetBrokerSummary(context.Background(), "demo")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "demo", summary.Name)
	assert.Equal(s.T(), models.SchemeSequential, summary.NamingScheme)
	assert.Equal(s.T(), 3, summary.MappingCount)
}

func (s *RegistryTestSuite) TestGetBrokerSummaryUnknown() {
	_, err := s.reg.GetBrokerSummary(context.Background(), "nope")

	var notFound *hberrors.BrokerNotFoundError
	assert.ErrorAs(s.T(), err, &notFound)
}

func (s *RegistryTestSuite) TestDistinctIDTypesMapIndependently() {
	s.addBroker(func(b *models.Broker) {
		b.ReplacePatientName = true
		b.PatientNamePrefix = "NAME"
	})

	id, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)
	require.NoError(s.T(), err)
	name, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientName)
	require.NoError(s.T(), err)

	assert.NotEqual(s.T(), id, name)

	count, err := s.repo.CountCrosswalkEntries(context.Background(), "demo")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 2, count)
}
