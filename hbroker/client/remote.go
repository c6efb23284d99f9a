// Package client implements the remote broker: authentication against a
// Security Token Service and delegation of lookups to an external API.
// Successful results flow back through the same crosswalk and cache paths as
// local schemes; this package only does the wire work.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgrijalva/jwt-go"
	"github.com/hashicorp/go-retryablehttp"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"

	"github.com/radrouter/hbroker-app/hbroker/constants"
	hberrors "github.com/radrouter/hbroker-app/hbroker/errors"
	"github.com/radrouter/hbroker-app/hbroker/models"
	"github.com/radrouter/hbroker-app/log"
)

const (
	authMaxRetries   = 3
	lookupMaxRetries = 3
)

// tokenResponse tolerates the field spellings observed across deployed
// token services.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	Token       string `json:"token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (t *tokenResponse) bearer() string {
	if t.AccessToken != "" {
		return t.AccessToken
	}
	return t.Token
}

type lookupRequest struct {
	IDIn   string `json:"idIn"`
	IDType string `json:"idType"`
}

type lookupResponse struct {
	IDOut string `json:"idOut"`
}

// RemoteBroker calls one configured external lookup API. Token state is
// owned here and refreshed under its own lock, independent of the
// registry's lookup-key locks.
type RemoteBroker struct {
	broker models.Broker

	httpClient  *retryablehttp.Client
	authClient  *http.Client
	tokens      *gocache.Cache
	authMu      sync.Mutex
	stsOverride backoff.BackOff // tests swap in a fast policy
}

func NewRemoteBroker(broker models.Broker) *RemoteBroker {
	timeout := time.Duration(broker.RequestTimeoutSeconds) * time.Second
	if broker.RequestTimeoutSeconds <= 0 {
		timeout = constants.DefaultRemoteTimeoutSeconds * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = lookupMaxRetries
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = timeout

	return &RemoteBroker{
		broker:     broker,
		httpClient: rc,
		authClient: &http.Client{Timeout: timeout},
		tokens:     gocache.New(gocache.NoExpiration, 5*time.Minute),
	}
}

// ConfigUpdatedAt lets the registry detect stale clients after a broker edit.
func (c *RemoteBroker) ConfigUpdatedAt() time.Time { return c.broker.UpdatedAt }

// Lookup posts the identifier to the remote API with a bearer token,
// refreshing the token once on a 401 before surfacing an error.
func (c *RemoteBroker) Lookup(ctx context.Context, idIn string, idType models.IDType) (string, error) {
	token, err := c.token(ctx, false)
	if err != nil {
		return "", err
	}

	idOut, status, err := c.doLookup(ctx, token, idIn, idType)
	if status == http.StatusUnauthorized {
		// Token invalidated server-side; transparently re-authenticate once.
		log.Remote.Warnf("broker %s token rejected by lookup API; re-authenticating", c.broker.Name)
		token, err = c.token(ctx, true)
		if err != nil {
			return "", err
		}
		idOut, status, err = c.doLookup(ctx, token, idIn, idType)
		if status == http.StatusUnauthorized {
			return "", &hberrors.AuthError{
				Err:        errors.New("lookup API rejected a freshly issued token"),
				BrokerName: c.broker.Name,
				StatusCode: status,
			}
		}
	}
	if err != nil {
		return "", err
	}

	return idOut, nil
}

func (c *RemoteBroker) doLookup(ctx context.Context, token, idIn string, idType models.IDType) (string, int, error) {
	body, err := json.Marshal(lookupRequest{IDIn: idIn, IDType: string(idType)})
	if err != nil {
		return "", 0, err
	}

	req, err := retryablehttp.NewRequest("POST", c.broker.APIURL, body)
	if err != nil {
		return "", 0, &hberrors.RemoteLookupError{Err: err, BrokerName: c.broker.Name}
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Tracking-Id", uuid.NewRandom().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, &hberrors.RemoteLookupError{Err: err, BrokerName: c.broker.Name}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := ioutil.ReadAll(resp.Body)
		return "", resp.StatusCode, &hberrors.RemoteLookupError{
			Err:        fmt.Errorf("lookup API error: %s", strings.TrimSpace(string(payload))),
			BrokerName: c.broker.Name,
			StatusCode: resp.StatusCode,
		}
	}

	var lr lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", resp.StatusCode, &hberrors.RemoteLookupError{Err: err, BrokerName: c.broker.Name, StatusCode: resp.StatusCode}
	}
	if lr.IDOut == "" {
		return "", resp.StatusCode, &hberrors.RemoteLookupError{
			Err:        errors.New("lookup API returned an empty idOut"),
			BrokerName: c.broker.Name,
			StatusCode: resp.StatusCode,
		}
	}

	return lr.IDOut, resp.StatusCode, nil
}

// token returns a cached bearer token, authenticating when there is none or
// when force is set. Tokens are never persisted to disk.
func (c *RemoteBroker) token(ctx context.Context, force bool) (string, error) {
	if !force {
		if tok, found := c.tokens.Get(c.broker.Name); found {
			return tok.(string), nil
		}
	}

	c.authMu.Lock()
	defer c.authMu.Unlock()

	if !force {
		if tok, found := c.tokens.Get(c.broker.Name); found {
			return tok.(string), nil
		}
	}

	tok, ttl, err := c.authenticate(ctx)
	if err != nil {
		return "", err
	}

	c.tokens.Set(c.broker.Name, tok, ttl)
	return tok, nil
}

// authenticate posts credentials to the STS. Credential rejections (4xx) are
// fatal and not retried; transient failures back off exponentially up to a
// small cap.
func (c *RemoteBroker) authenticate(ctx context.Context) (string, time.Duration, error) {
	var tr tokenResponse

	operation := func() error {
		req, err := c.buildAuthRequest(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.authClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			payload, _ := ioutil.ReadAll(resp.Body)
			return backoff.Permanent(&hberrors.AuthError{
				Err:        fmt.Errorf("STS rejected credentials: %s", strings.TrimSpace(string(payload))),
				BrokerName: c.broker.Name,
				StatusCode: resp.StatusCode,
			})
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("STS returned status %d", resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return backoff.Permanent(errors.Wrap(err, "decoding STS response"))
		}
		if tr.bearer() == "" {
			return backoff.Permanent(errors.New("STS response contained no token"))
		}
		return nil
	}

	policy := c.stsOverride
	if policy == nil {
		policy = backoff.WithMaxRetries(backoff.NewExponentialBackOff(), authMaxRetries)
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		var authErr *hberrors.AuthError
		if errors.As(err, &authErr) {
			return "", 0, authErr
		}
		return "", 0, &hberrors.AuthError{Err: err, BrokerName: c.broker.Name}
	}

	return tr.bearer(), tokenTTL(&tr), nil
}

func (c *RemoteBroker) buildAuthRequest(ctx context.Context) (*http.Request, error) {
	stsURL := strings.TrimSuffix(c.broker.STSURL, "/") + "/token"

	// Deployed token services disagree on request encoding; it is broker
	// configuration, not a fixed wire format.
	switch c.broker.AuthStyle {
	case models.AuthStyleForm:
		form := url.Values{}
		form.Set("client_id", c.broker.ClientID)
		form.Set("client_secret", c.broker.ClientSecret)
		form.Set("username", c.broker.Username)
		form.Set("password", c.broker.Password)

		req, err := http.NewRequestWithContext(ctx, "POST", stsURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil

	default: // models.AuthStyleJSON
		body, err := json.Marshal(map[string]string{
			"clientId":     c.broker.ClientID,
			"clientSecret": c.broker.ClientSecret,
			"username":     c.broker.Username,
			"password":     c.broker.Password,
		})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, "POST", stsURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}
}

// tokenTTL derives a cache lifetime: expires_in when present, the JWT exp
// claim when the token parses as one, else a conservative default. A refresh
// margin keeps us ahead of the server-side expiry.
func tokenTTL(tr *tokenResponse) time.Duration {
	lifetime := time.Duration(constants.DefaultTokenTTLSeconds) * time.Second

	if tr.ExpiresIn > 0 {
		lifetime = time.Duration(tr.ExpiresIn) * time.Second
	} else if exp, ok := jwtExpiry(tr.bearer()); ok {
		lifetime = time.Until(exp)
	}

	lifetime -= constants.TokenRefreshMarginSeconds * time.Second
	if lifetime < time.Second {
		lifetime = time.Second
	}
	return lifetime
}

func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	// Unverified parse: we only want the expiry hint, validation is the
	// lookup API's job.
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(int64(exp), 0), true
}

// SetBackOff overrides the STS retry policy. Intended for tests.
func (c *RemoteBroker) SetBackOff(b backoff.BackOff) { c.stsOverride = b }
