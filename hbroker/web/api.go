package web

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/pkg/errors"

	hberrors "github.com/radrouter/hbroker-app/hbroker/errors"
	"github.com/radrouter/hbroker-app/hbroker/models"
	"github.com/radrouter/hbroker-app/hbroker/registry"
	"github.com/radrouter/hbroker-app/log"
)

const exportPageSize = 500

type API struct {
	registry *registry.Registry
	repo     models.Repository
}

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// brokerPayload is the write side of broker CRUD. Secrets are write-only:
// they are accepted here and redacted from every response by the model's
// own JSON tags.
type brokerPayload struct {
	models.Broker
	ClientSecret string `json:"client_secret"`
	Password     string `json:"password"`
}

func (p *brokerPayload) broker() models.Broker {
	broker := p.Broker
	broker.ClientSecret = p.ClientSecret
	broker.Password = p.Password
	return broker
}

type testLookupRequest struct {
	IDIn   string `json:"idIn"`
	IDType string `json:"idType"`
}

type testLookupResponse struct {
	IDIn  string `json:"idIn"`
	IDOut string `json:"idOut"`
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (a *API) ListBrokers(w http.ResponseWriter, r *http.Request) {
	brokers, err := a.repo.ListBrokers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if brokers == nil {
		brokers = []*models.Broker{}
	}
	render.JSON(w, r, brokers)
}

func (a *API) GetBroker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "brokerName")
	broker, err := a.repo.GetBroker(r.Context(), name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if broker == nil {
		writeError(w, r, &hberrors.BrokerNotFoundError{BrokerName: name})
		return
	}
	render.JSON(w, r, broker)
}

func (a *API) GetBrokerSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := a.registry.GetBrokerSummary(r.Context(), chi.URLParam(r, "brokerName"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, summary)
}

func (a *API) CreateBroker(w http.ResponseWriter, r *http.Request) {
	var payload brokerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, r, &hberrors.InvalidInputError{Msg: "malformed broker payload"})
		return
	}
	broker := payload.broker()
	if broker.Name == "" {
		writeError(w, r, &hberrors.InvalidInputError{Msg: "broker name is required"})
		return
	}
	if broker.Type == "" {
		broker.Type = models.BrokerTypeLocal
	}

	if err := a.repo.CreateBroker(r.Context(), broker); err != nil {
		writeError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, broker)
}

func (a *API) UpdateBroker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "brokerName")

	var payload brokerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, r, &hberrors.InvalidInputError{Msg: "malformed broker payload"})
		return
	}
	broker := payload.broker()
	broker.Name = name

	// An omitted secret keeps the stored one, so edits to unrelated fields
	// do not wipe a remote broker's credentials.
	if broker.ClientSecret == "" || broker.Password == "" {
		existing, err := a.repo.GetBroker(r.Context(), name)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if existing != nil {
			if broker.ClientSecret == "" {
				broker.ClientSecret = existing.ClientSecret
			}
			if broker.Password == "" {
				broker.Password = existing.Password
			}
		}
	}

	if err := a.repo.UpdateBroker(r.Context(), broker); err != nil {
		writeError(w, r, err)
		return
	}

	// Stale cached mappings and remote clients must not outlive the edit.
	a.registry.PurgeCache(name)

	render.JSON(w, r, broker)
}

// DeleteBroker wipes the broker and every mapping it owns. Irrecoverable, so
// the caller must pass confirm=true explicitly.
func (a *API) DeleteBroker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "brokerName")

	if r.URL.Query().Get("confirm") != "true" {
		writeError(w, r, &hberrors.InvalidInputError{
			Msg: "deleting a broker destroys all of its crosswalk entries; pass confirm=true to proceed",
		})
		return
	}

	if err := a.repo.DeleteBroker(r.Context(), name); err != nil {
		writeError(w, r, err)
		return
	}

	a.registry.PurgeCache(name)
	log.API.Warnf("broker %s deleted along with its crosswalk entries", name)

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) ListCrosswalk(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "brokerName")
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	entries, err := a.repo.ListCrosswalkEntries(r.Context(), name, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*models.CrosswalkEntry{}
	}
	render.JSON(w, r, entries)
}

func (a *API) ReverseLookup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "brokerName")
	idOut := r.URL.Query().Get("idOut")
	if idOut == "" {
		writeError(w, r, &hberrors.InvalidInputError{Msg: "idOut query parameter is required"})
		return
	}

	entry, err := a.repo.ReverseLookup(r.Context(), name, idOut)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entry == nil {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, errorResponse{Kind: "NotFound", Message: fmt.Sprintf("no mapping with idOut %s", idOut)})
		return
	}
	render.JSON(w, r, entry)
}

func (a *API) ExportCrosswalk(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "brokerName")
	a.exportCSV(w, r, []string{name})
}

func (a *API) ExportAllCrosswalks(w http.ResponseWriter, r *http.Request) {
	brokers, err := a.repo.ListBrokers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	names := make([]string, 0, len(brokers))
	for _, b := range brokers {
		names = append(names, b.Name)
	}
	a.exportCSV(w, r, names)
}

// exportCSV streams mappings for audit handoff, paging through the store so
// a large crosswalk never has to fit in memory.
func (a *API) exportCSV(w http.ResponseWriter, r *http.Request, brokerNames []string) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="crosswalk.csv"`)

	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write([]string{"idIn", "idOut", "idType", "createdAt"}); err != nil {
		return
	}

	for _, name := range brokerNames {
		for offset := 0; ; offset += exportPageSize {
			entries, err := a.repo.ListCrosswalkEntries(r.Context(), name, exportPageSize, offset)
			if err != nil {
				log.API.WithError(err).Errorf("crosswalk export failed for broker %s", name)
				return
			}
			if len(entries) == 0 {
				break
			}
			for _, e := range entries {
				if err := cw.Write([]string{e.IDIn, e.IDOut, string(e.IDType), e.CreatedAt.Format(time.RFC3339)}); err != nil {
					return
				}
			}
			if len(entries) < exportPageSize {
				break
			}
		}
	}
}

// TestLookup exercises the production lookup path. A failure reports the
// exact error kind and message; the original identifier is never echoed back
// as a surrogate.
func (a *API) TestLookup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "brokerName")

	var req testLookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, &hberrors.InvalidInputError{Msg: "malformed test lookup payload"})
		return
	}
	if req.IDType == "" {
		req.IDType = string(models.IDTypePatientID)
	}

	idOut, err := a.registry.TestLookup(r.Context(), name, req.IDIn, models.IDType(req.IDType))
	if err != nil {
		writeError(w, r, err)
		return
	}

	render.JSON(w, r, testLookupResponse{IDIn: req.IDIn, IDOut: idOut})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// writeError renders the error taxonomy with an appropriate status code and
// the error kind spelled out for the console.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind, status := classify(err)
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Kind: kind, Message: err.Error()})
}

func classify(err error) (string, int) {
	var (
		notFound   *hberrors.BrokerNotFoundError
		disabled   *hberrors.BrokerDisabledError
		invalid    *hberrors.InvalidInputError
		config     *hberrors.ConfigurationError
		scriptExec *hberrors.ScriptExecutionError
		scriptOut  *hberrors.ScriptOutputError
		auth       *hberrors.AuthError
		remote     *hberrors.RemoteLookupError
		timeout    *hberrors.TimeoutError
	)

	switch {
	case errors.As(err, &notFound):
		return "BrokerNotFoundError", http.StatusNotFound
	case errors.As(err, &disabled):
		return "BrokerDisabledError", http.StatusConflict
	case errors.As(err, &invalid):
		return "InvalidInputError", http.StatusBadRequest
	case errors.As(err, &config):
		return "ConfigurationError", http.StatusUnprocessableEntity
	case errors.As(err, &scriptExec):
		return "ScriptExecutionError", http.StatusUnprocessableEntity
	case errors.As(err, &scriptOut):
		return "ScriptOutputError", http.StatusUnprocessableEntity
	case errors.As(err, &auth):
		return "AuthError", http.StatusBadGateway
	case errors.As(err, &remote):
		return "RemoteLookupError", http.StatusBadGateway
	case errors.As(err, &timeout):
		return "TimeoutError", http.StatusGatewayTimeout
	default:
		return "InternalError", http.StatusInternalServerError
	}
}
