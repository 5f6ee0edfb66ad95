package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"flagsync/internal/middleware"
	"flagsync/internal/repository"
	"flagsync/internal/service"
	"flagsync/internal/testutil"
	v1 "flagsync/pkg/api/v1"
	"flagsync/pkg/constraints"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiHarness struct {
	fx     *testutil.Fixture
	router *gin.Engine
	hub    *service.Hub
}

func newAPIHarness(t *testing.T, opts ...testutil.FixtureOption) *apiHarness {
	t.Helper()
	db := testutil.NewSQLiteDB(t)
	fx := testutil.Seed(t, db, opts...)

	envRepo := repository.NewEnvironmentRepository(db)
	traits := service.NewTraitService(db, repository.NewIdentityRepository(db), repository.NewTraitRepository(db), nil, nil, 0)
	versions := service.NewVersionService(db, envRepo,
		repository.NewVersionRepository(db),
		repository.NewAuditRepository(db),
		repository.NewOutboxRepository(db),
		nil, nil,
	)
	resolver := service.NewEnvironmentResolver(envRepo, nil, time.Minute)
	auth := service.NewAuthService(nil, service.AuthCredentials{Username: "admin", SigningKey: []byte("test-key")}, time.Minute, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := service.NewHub(nil, 0, 16)
	go hub.Run(ctx)
	feed := service.NewVersionFeed(repository.NewReplicaRepository(testutil.NewFakeEtcd()), hub, 16)

	router := RegisterRoutes(Handlers{
		Trait:    NewTraitHandler(traits),
		Identity: NewIdentityHandler(traits, resolver),
		Version:  NewVersionHandler(versions, resolver),
		Stream:   NewStreamHandler(feed, hub),
		Auth:     NewAuthHandler(auth),
	}, RouterDeps{
		Keys:    resolver,
		Tokens:  auth,
		Limiter: middleware.NewRateLimiter(nil, 1000),
		DevMode: true,
	})
	return &apiHarness{fx: fx, router: router, hub: hub}
}

func (h *apiHarness) sdk(t *testing.T, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(constraints.HeaderContentType, "application/json")
	if key != "" {
		req.Header.Set(constraints.HeaderEnvironmentKey, key)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *apiHarness) admin(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(constraints.HeaderContentType, "application/json")
	req.Header.Set("X-Dev-Pass", "true")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func traitBody(identifier, key, value string) string {
	return fmt.Sprintf(`{"identity":{"identifier":%q},"trait_key":%q,"trait_value":%s}`, identifier, key, value)
}

func TestTraitRoutes_SetAndList(t *testing.T) {
	h := newAPIHarness(t)
	key := h.fx.Environment.APIKey

	w := h.sdk(t, http.MethodPost, "/api/v1/traits/", key, traitBody("u1", "color", `"blue"`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "blue", body["trait_value"])
	assert.Equal(t, constraints.TypeString, body["value_type"])

	w = h.sdk(t, http.MethodPost, "/api/v1/traits/", key, traitBody("u1", "profile", `{"a":1}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"a":1}`, decode(t, w)["trait_value"])

	w = h.sdk(t, http.MethodGet, "/api/v1/traits/?identifier=u1", key, "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Identifier string           `json:"identifier"`
		Traits     []map[string]any `json:"traits"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, "u1", list.Identifier)
	assert.Len(t, list.Traits, 2)

	w = h.sdk(t, http.MethodGet, "/api/v1/traits/", key, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.sdk(t, http.MethodPost, "/api/v1/traits/", key, `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTraitRoutes_EnvironmentKey(t *testing.T) {
	h := newAPIHarness(t)

	w := h.sdk(t, http.MethodPost, "/api/v1/traits/", "", traitBody("u1", "k", `1`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.sdk(t, http.MethodPost, "/api/v1/traits/", "nope", traitBody("u1", "k", `1`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid environment key.", decode(t, w)["detail"])
}

func TestTraitRoutes_ValueTooLong(t *testing.T) {
	h := newAPIHarness(t)
	long, _ := json.Marshal(strings.Repeat("a", 2001))

	w := h.sdk(t, http.MethodPost, "/api/v1/traits/", h.fx.Environment.APIKey, traitBody("u1", "bio", string(long)))
	require.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string][]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Value string is too long. Must be less than 2000 character", body["trait_value"][0])
}

func TestTraitRoutes_PersistenceDisabled(t *testing.T) {
	h := newAPIHarness(t, testutil.WithPersistTraitData(false))

	w := h.sdk(t, http.MethodPost, "/api/v1/traits/", h.fx.ServerKey.Key, traitBody("u1", "k", `1`))
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Organisation is not authorised to store traits.", decode(t, w)["detail"])

	w = h.sdk(t, http.MethodPost, "/api/v1/traits/increment-value/", h.fx.ServerKey.Key,
		`{"identifier":"u1","trait_key":"n","increment_by":1}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestTraitRoutes_ClientWriteBlocked(t *testing.T) {
	h := newAPIHarness(t, testutil.WithAllowClientTraits(false))

	w := h.sdk(t, http.MethodPost, "/api/v1/traits/", h.fx.Environment.APIKey, traitBody("u1", "k", `1`))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Setting traits not allowed with client key.", decode(t, w)["detail"])

	w = h.sdk(t, http.MethodPost, "/api/v1/traits/", h.fx.ServerKey.Key, traitBody("u1", "k", `1`))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTraitRoutes_Increment(t *testing.T) {
	h := newAPIHarness(t)
	key := h.fx.ServerKey.Key
	inc := func(by int) *httptest.ResponseRecorder {
		return h.sdk(t, http.MethodPost, "/api/v1/traits/increment-value/", key,
			fmt.Sprintf(`{"identifier":"u1","trait_key":"score","increment_by":%d}`, by))
	}

	require.Equal(t, http.StatusOK, inc(2).Code)
	w := inc(-5)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, -3, decode(t, w)["value"])

	w = h.sdk(t, http.MethodPost, "/api/v1/traits/", key, traitBody("u1", "score", `"oops"`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusBadRequest, inc(1).Code)
}

func TestTraitRoutes_Bulk(t *testing.T) {
	h := newAPIHarness(t)
	key := h.fx.ServerKey.Key

	w := h.sdk(t, http.MethodPost, "/api/v1/traits/", key, traitBody("u1", "gone", `1`))
	require.Equal(t, http.StatusOK, w.Code)

	bulk := "[" + strings.Join([]string{
		traitBody("u1", "a", `1`),
		traitBody("u1", "gone", `null`),
		traitBody("", "b", `2`),
	}, ",") + "]"
	w = h.sdk(t, http.MethodPut, "/api/v1/traits/bulk/", key, bulk)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var items []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	require.Len(t, items, 3)
	assert.Nil(t, items[0]["error"])
	assert.Equal(t, true, items[1]["deleted"])
	assert.NotNil(t, items[2]["error"])

	w = h.sdk(t, http.MethodPut, "/api/v1/traits/bulk/", key, `{"not":"a list"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIdentityRoutes(t *testing.T) {
	h := newAPIHarness(t)
	key := h.fx.ServerKey.Key
	for _, id := range []string{"u1", "u2"} {
		w := h.sdk(t, http.MethodPost, "/api/v1/traits/", key, traitBody(id, "plan", `"pro"`))
		require.Equal(t, http.StatusOK, w.Code)
	}
	base := "/api/v1/environments/" + h.fx.Environment.APIKey + "/identities/u1/traits"

	w := h.admin(t, http.MethodGet, base+"/plan", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pro", decode(t, w)["trait_value"])

	w = h.admin(t, http.MethodGet, base+"/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.admin(t, http.MethodDelete, base+"/plan", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = h.admin(t, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["traits"])

	w = h.admin(t, http.MethodDelete, base+"/plan?deleteAllMatchingTraits=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["deleted"])

	w = h.admin(t, http.MethodGet, "/api/v1/environments/unknown/identities/u1/traits", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest(http.MethodGet, base, nil)
	w = httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestVersionRoutes(t *testing.T) {
	h := newAPIHarness(t)
	base := fmt.Sprintf("/api/v1/environments/%s/features/%d/versions", h.fx.Environment.APIKey, h.fx.Feature.ID)
	snapshot := `{"snapshot":{"enabled":true,"feature_state_value":"v1"}}`

	w := h.admin(t, http.MethodPost, base, snapshot)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sha, _ := decode(t, w)["sha"].(string)
	require.Len(t, sha, 64)

	w = h.admin(t, http.MethodPost, base, snapshot)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sha, decode(t, w)["sha"])

	w = h.admin(t, http.MethodGet, base+"/current", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	liveFrom := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	w = h.admin(t, http.MethodPost, "/api/v1/versions/"+sha+"/publish",
		fmt.Sprintf(`{"live_from":%q}`, liveFrom.Format(time.RFC3339)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["published"])

	w = h.admin(t, http.MethodPost, "/api/v1/versions/"+sha+"/publish", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.admin(t, http.MethodGet, base+"/current", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sha, decode(t, w)["sha"])

	asOf := url.QueryEscape(liveFrom.Add(-time.Minute).Format(time.RFC3339))
	w = h.admin(t, http.MethodGet, base+"/current?as_of="+asOf, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.admin(t, http.MethodGet, base+"/current?as_of=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.admin(t, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, w.Code)
	var versions []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &versions))
	assert.Len(t, versions, 1)

	w = h.admin(t, http.MethodGet, base+"/audits", "")
	require.Equal(t, http.StatusOK, w.Code)
	var audits []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &audits))
	assert.NotEmpty(t, audits)

	w = h.admin(t, http.MethodGet, "/api/v1/versions/"+sha, "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = h.admin(t, http.MethodPost, "/api/v1/versions/unknown/publish", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	other := fmt.Sprintf("/api/v1/environments/%s/features/%d/versions", h.fx.Environment.APIKey, h.fx.Feature.ID+100)
	w = h.admin(t, http.MethodGet, other, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndSnapshot(t *testing.T) {
	h := newAPIHarness(t)

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.sdk(t, http.MethodGet, "/api/v1/versions/snapshot", h.fx.Environment.APIKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Empty(t, body["data"])
}

func TestStreamRoute_DeliversEnvironmentMessages(t *testing.T) {
	h := newAPIHarness(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/versions/stream", nil)
	require.NoError(t, err)
	req.Header.Set(constraints.HeaderEnvironmentKey, h.fx.Environment.APIKey)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	// the handler subscribed before flushing headers, so these are not lost
	h.hub.Publish(v1.Message{EnvironmentID: h.fx.Environment.ID + 1, Sha: "other", Revision: 1, Action: constraints.PUT})
	h.hub.Publish(v1.Message{EnvironmentID: h.fx.Environment.ID, Sha: "mine", Revision: 2, Action: constraints.PUT})

	scanner := bufio.NewScanner(res.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			data = strings.TrimPrefix(line, "data:")
			break
		}
	}
	var msg v1.Message
	require.NoError(t, json.Unmarshal([]byte(data), &msg))
	assert.Equal(t, "mine", msg.Sha)
}
