package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/radrouter/hbroker-app/hbroker/models"
	"github.com/radrouter/hbroker-app/hbroker/models/repositorytest"
	"github.com/radrouter/hbroker-app/hbroker/registry"
)

type APITestSuite struct {
	suite.Suite

	repo   *repositorytest.MemoryRepository
	reg    *registry.Registry
	router http.Handler
}

func TestAPITestSuite(t *testing.T) {
	suite.Run(t, new(APITestSuite))
}

func (s *APITestSuite) SetupTest() {
	s.repo = repositorytest.New()
	s.reg = registry.New(s.repo, "test-uid-key", "")
	s.router = NewRouter(s.reg, s.repo)
}

func (s *APITestSuite) addBroker() {
	require.NoError(s.T(), s.repo.CreateBroker(context.Background(), models.Broker{
		Name:             "demo",
		Enabled:          true,
		Type:             models.BrokerTypeLocal,
		NamingScheme:     models.SchemeSequential,
		PatientIDPrefix:  "SUBJ",
		ReplacePatientID: true,
	}))
}

func (s *APITestSuite) do(method, target string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(s.T(), err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func (s *APITestSuite) TestHealth() {
	rr := s.do("GET", "/_health", nil)

	assert.Equal(s.T(), http.StatusOK, rr.Code)
	assert.JSONEq(s.T(), `{"status":"ok"}`, rr.Body.String())
}

func (s *APITestSuite) TestCreateAndGetBroker() {
	rr := s.do("POST", "/api/v1/brokers/", map[string]interface{}{
		"name":              "demo",
		"enabled":           true,
		"naming_scheme":     "sequential",
		"patient_id_prefix": "SUBJ",
	})
	require.Equal(s.T(), http.StatusCreated, rr.Code)

	rr = s.do("GET", "/api/v1/brokers/demo/", nil)
	require.Equal(s.T(), http.StatusOK, rr.Code)

	var broker models.Broker
	require.NoError(s.T(), json.Unmarshal(rr.Body.Bytes(), &broker))
	assert.Equal(s.T(), "demo", broker.Name)
	assert.Equal(s.T(), models.BrokerTypeLocal, broker.Type)
}

func (s *APITestSuite) TestCreateBrokerRequiresName() {
	rr := s.do("POST", "/api/v1/brokers/", map[string]interface{}{"enabled": true})

	assert.Equal(s.T(), http.StatusBadRequest, rr.Code)
	assert.Contains(s.T(), rr.Body.String(), "InvalidInputError")
}

func (s *APITestSuite) TestGetBrokerNotFound() {
	rr := s.do("GET", "/api/v1/brokers/nope/", nil)

	assert.Equal(s.T(), http.StatusNotFound, rr.Code)
	assert.Contains(s.T(), rr.Body.String(), "BrokerNotFoundError")
}

func (s *APITestSuite) TestBrokerSecretsNeverRendered() {
	require.NoError(s.T(), s.repo.CreateBroker(context.Background(), models.Broker{
		Name:         "remote-demo",
		Enabled:      true,
		Type:         models.BrokerTypeRemote,
		ClientSecret: "super-secret",
		Password:     "hunter2",
	}))

	rr := s.do("GET", "/api/v1/brokers/remote-demo/", nil)
	require.Equal(s.T(), http.StatusOK, rr.Code)

	assert.NotContains(s.T(), rr.Body.String(), "super-secret")
	assert.NotContains(s.T(), rr.Body.String(), "hunter2")
}

func (s *APITestSuite) TestCreateRemoteBrokerStoresSecrets() {
	rr := s.do("POST", "/api/v1/brokers/", map[string]interface{}{
		"name":          "remote-demo",
		"enabled":       true,
		"type":          "remote",
		"api_url":       "https://broker.example.org/lookup",
		"sts_url":       "https://sts.example.org",
		"client_id":     "client-id",
		"client_secret": "s3cret",
		"username":      "svc",
		"password":      "hunter2",
		"auth_style":    "form",
	})
	require.Equal(s.T(), http.StatusCreated, rr.Code)

	broker, err := s.repo.GetBroker(context.Background(), "remote-demo")
	require.NoError(s.T(), err)
	require.NotNil(s.T(), broker)
	assert.Equal(s.T(), "s3cret", broker.ClientSecret)
	assert.Equal(s.T(), "hunter2", broker.Password)
	assert.Equal(s.T(), models.AuthStyleForm, broker.AuthStyle)

	// Write-only: the response never echoes the secrets back.
	assert.NotContains(s.T(), rr.Body.String(), "s3cret")
	assert.NotContains(s.T(), rr.Body.String(), "hunter2")
}

func (s *APITestSuite) TestUpdateBrokerKeepsSecretsWhenOmitted() {
	require.NoError(s.T(), s.repo.CreateBroker(context.Background(), models.Broker{
		Name:         "remote-demo",
		Enabled:      true,
		Type:         models.BrokerTypeRemote,
		ClientID:     "client-id",
		ClientSecret: "s3cret",
		Password:     "hunter2",
	}))

	rr := s.do("PUT", "/api/v1/brokers/remote-demo/", map[string]interface{}{
		"enabled":   false,
		"type":      "remote",
		"client_id": "client-id",
	})
	require.Equal(s.T(), http.StatusOK, rr.Code)

	broker, err := s.repo.GetBroker(context.Background(), "remote-demo")
	require.NoError(s.T(), err)
	assert.False(s.T(), broker.Enabled)
	assert.Equal(s.T(), "s3cret", broker.ClientSecret)
	assert.Equal(s.T(), "hunter2", broker.Password)
}

func (s *APITestSuite) TestUpdateBrokerRotatesSecret() {
	require.NoError(s.T(), s.repo.CreateBroker(context.Background(), models.Broker{
		Name:         "remote-demo",
		Enabled:      true,
		Type:         models.BrokerTypeRemote,
		ClientSecret: "old-secret",
	}))

	rr := s.do("PUT", "/api/v1/brokers/remote-demo/", map[string]interface{}{
		"enabled":       true,
		"type":          "remote",
		"client_secret": "new-secret",
	})
	require.Equal(s.T(), http.StatusOK, rr.Code)

	broker, err := s.repo.GetBroker(context.Background(), "remote-demo")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "new-secret", broker.ClientSecret)
}

func (s *APITestSuite) TestListBrokers() {
	s.addBroker()

	rr := s.do("GET", "/api/v1/brokers/", nil)
	require.Equal(s.T(), http.StatusOK, rr.Code)

	var brokers []models.Broker
	require.NoError(s.T(), json.Unmarshal(rr.Body.Bytes(), &brokers))
	require.Len(s.T(), brokers, 1)
	assert.Equal(s.T(), "demo", brokers[0].Name)
}

func (s *APITestSuite) TestUpdateBroker() {
	s.addBroker()

	rr := s.do("PUT", "/api/v1/brokers/demo/", map[string]interface{}{
		"enabled":           false,
		"naming_scheme":     "hash",
		"patient_id_prefix": "SUBJ",
	})
	require.Equal(s.T(), http.StatusOK, rr.Code)

	broker, err := s.repo.GetBroker(context.Background(), "demo")
	require.NoError(s.T(), err)
	assert.False(s.T(), broker.Enabled)
	assert.Equal(s.T(), models.SchemeHash, broker.NamingScheme)
}

func (s *APITestSuite) TestDeleteBrokerRequiresConfirm() {
	s.addBroker()

	rr := s.do("DELETE", "/api/v1/brokers/demo/", nil)
	assert.Equal(s.T(), http.StatusBadRequest, rr.Code)
	assert.Contains(s.T(), rr.Body.String(), "confirm=true")

	broker, err := s.repo.GetBroker(context.Background(), "demo")
	require.NoError(s.T(), err)
	assert.NotNil(s.T(), broker)
}

func (s *APITestSuite) TestDeleteBrokerCascades() {
	s.addBroker()

	_, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)
	require.NoError(s.T(), err)

	rr := s.do("DELETE", "/api/v1/brokers/demo/?confirm=true", nil)
	assert.Equal(s.T(), http.StatusNoContent, rr.Code)

	broker, err := s.repo.GetBroker(context.Background(), "demo")
	require.NoError(s.T(), err)
	assert.Nil(s.T(), broker)

	count, err := s.repo.CountCrosswalkEntries(context.Background(), "demo")
	require.NoError(s.T(), err)
	assert.Zero(s.T(), count)
}

func (s *APITestSuite) TestGetBrokerSummary() {
	s.addBroker()

	_, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)
	require.NoError(s.T(), err)

	rr := s.do("GET", "/api/v1/brokers/demo/summary", nil)
	require.Equal(s.T(), http.StatusOK, rr.Code)

	var summary models.BrokerSummary
	require.NoError(s.T(), json.Unmarshal(rr.Body.Bytes(), &summary))
	assert.Equal(s.T(), 1, summary.MappingCount)
}

func (s *APITestSuite) TestTestLookup() {
	s.addBroker()

	rr := s.do("POST", "/api/v1/brokers/demo/test-lookup", map[string]string{"idIn": "P001"})
	require.Equal(s.T(), http.StatusOK, rr.Code)

	var resp testLookupResponse
	require.NoError(s.T(), json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(s.T(), "P001", resp.IDIn)
	assert.Equal(s.T(), "SUBJ-0001", resp.IDOut)
}

func (s *APITestSuite) TestTestLookupReportsExactError() {
	require.NoError(s.T(), s.repo.CreateBroker(context.Background(), models.Broker{
		Name:         "demo",
		Enabled:      true,
		Type:         models.BrokerTypeLocal,
		NamingScheme: models.SchemeScript,
		LookupScript: `int(idIn)`,
	}))

	rr := s.do("POST", "/api/v1/brokers/demo/test-lookup", map[string]string{"idIn": "P001"})

	assert.Equal(s.T(), http.StatusUnprocessableEntity, rr.Code)

	var resp errorResponse
	require.NoError(s.T(), json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(s.T(), "ScriptExecutionError", resp.Kind)
	// The surrogate field never carries the input through on failure.
	assert.NotContains(s.T(), rr.Body.String(), `"idOut"`)
}

func (s *APITestSuite) TestTestLookupUnknownBroker() {
	rr := s.do("POST", "/api/v1/brokers/nope/test-lookup", map[string]string{"idIn": "P001"})

	assert.Equal(s.T(), http.StatusNotFound, rr.Code)
	assert.Contains(s.T(), rr.Body.String(), "BrokerNotFoundError")
}

func (s *APITestSuite) TestListCrosswalk() {
	s.addBroker()
	for i := 0; i < 3; i++ {
		_, err := s.reg.Lookup(context.Background(), "demo", fmt.Sprintf("P%03d", i), models.IDTypePatientID)
		require.NoError(s.T(), err)
	}

	rr := s.do("GET", "/api/v1/brokers/demo/crosswalk?limit=2", nil)
	require.Equal(s.T(), http.StatusOK, rr.Code)

	var entries []models.CrosswalkEntry
	require.NoError(s.T(), json.Unmarshal(rr.Body.Bytes(), &entries))
	assert.Len(s.T(), entries, 2)
}

func (s *APITestSuite) TestReverseLookup() {
	s.addBroker()

	_, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)
	require.NoError(s.T(), err)

	rr := s.do("GET", "/api/v1/brokers/demo/reverse?idOut=SUBJ-0001", nil)
	require.Equal(s.T(), http.StatusOK, rr.Code)

	var entry models.CrosswalkEntry
	require.NoError(s.T(), json.Unmarshal(rr.Body.Bytes(), &entry))
	assert.Equal(s.T(), "P001", entry.IDIn)
}

func (s *APITestSuite) TestReverseLookupMiss() {
	s.addBroker()

	rr := s.do("GET", "/api/v1/brokers/demo/reverse?idOut=SUBJ-9999", nil)
	assert.Equal(s.T(), http.StatusNotFound, rr.Code)
}

func (s *APITestSuite) TestReverseLookupRequiresIDOut() {
	s.addBroker()

	rr := s.do("GET", "/api/v1/brokers/demo/reverse", nil)
	assert.Equal(s.T(), http.StatusBadRequest, rr.Code)
}

func (s *APITestSuite) TestExportCrosswalkCSV() {
	s.addBroker()
	_, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)
	require.NoError(s.T(), err)

	rr := s.do("GET", "/api/v1/brokers/demo/crosswalk/export", nil)
	require.Equal(s.T(), http.StatusOK, rr.Code)
	assert.Equal(s.T(), "text/csv", rr.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
	require.Len(s.T(), lines, 2)
	assert.Equal(s.T(), "idIn,idOut,idType,createdAt", lines[0])
	assert.True(s.T(), strings.HasPrefix(lines[1], "P001,SUBJ-0001,patient_id,"))
}

func (s *APITestSuite) TestExportAllCrosswalks() {
	s.addBroker()
	require.NoError(s.T(), s.repo.CreateBroker(context.Background(), models.Broker{
		Name:             "other",
		Enabled:          true,
		Type:             models.BrokerTypeLocal,
		NamingScheme:     models.SchemeSequential,
		PatientIDPrefix:  "EXT",
		ReplacePatientID: true,
	}))

	_, err := s.reg.Lookup(context.Background(), "demo", "P001", models.IDTypePatientID)
	require.NoError(s.T(), err)
	_, err = s.reg.Lookup(context.Background(), "other", "P001", models.IDTypePatientID)
	require.NoError(s.T(), err)

	rr := s.do("GET", "/api/v1/crosswalk/export", nil)
	require.Equal(s.T(), http.StatusOK, rr.Code)

	lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
	assert.Len(s.T(), lines, 3)
}
