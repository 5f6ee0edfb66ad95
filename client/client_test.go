package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	v1 "flagsync/pkg/api/v1"
	"flagsync/pkg/constraints"
	"flagsync/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.InitLogger("test")
	os.Exit(m.Run())
}

func TestTraitClient(t *testing.T) {
	var gotBody v1.TraitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-1", r.Header.Get(constraints.HeaderEnvironmentKey))
		switch r.URL.Path {
		case "/api/v1/traits/":
			if r.Method == http.MethodGet {
				assert.Equal(t, "u 1", r.URL.Query().Get("identifier"))
				_, _ = io.WriteString(w, `{"identifier":"u 1","traits":[{"trait_key":"plan","trait_value":"pro","value_type":"unicode"}]}`)
				return
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			if gotBody.TraitKey == "bad" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, `{"detail":"nope"}`)
				return
			}
			_, _ = io.WriteString(w, `{}`)
		case "/api/v1/traits/increment-value/":
			_, _ = io.WriteString(w, `{"identifier":"u1","trait_key":"n","value":7}`)
		case "/api/v1/traits/bulk/":
			assert.Equal(t, http.MethodPut, r.Method)
			_, _ = io.WriteString(w, `[{"index":0,"identifier":"u1","trait_key":"a"},{"index":1,"identifier":"","trait_key":"b","error":{"identifier":["This field is required."]}}]`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewTraitClient(srv.URL+"/", "key-1", time.Second)
	ctx := context.Background()

	require.NoError(t, c.SetTrait(ctx, "u1", "plan", "pro"))
	assert.Equal(t, "u1", gotBody.Identity.Identifier)
	assert.JSONEq(t, `"pro"`, string(gotBody.TraitValue))

	require.NoError(t, c.SetTrait(ctx, "u1", "plan", nil))
	assert.Equal(t, "null", string(gotBody.TraitValue))

	err := c.SetTrait(ctx, "u1", "bad", 1)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.HTTPStatus())
	assert.Contains(t, se.Body, "nope")

	n, err := c.IncrementTrait(ctx, "u1", "n", 3)
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)

	items, err := c.BulkUpsertTraits(ctx, []v1.TraitRequest{{TraitKey: "a"}, {TraitKey: "b"}})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Empty(t, items[0].Error)
	assert.NotEmpty(t, items[1].Error)

	traits, err := c.ListTraits(ctx, "u 1")
	require.NoError(t, err)
	require.Len(t, traits, 1)
	assert.Equal(t, "plan", traits[0].TraitKey)
}

func TestEdgeClient_Forward(t *testing.T) {
	status := http.StatusOK
	var gotPath, gotKey, gotTrace, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotKey = r.Header.Get(constraints.HeaderEnvironmentKey)
		gotTrace = r.Header.Get(constraints.HeaderTraceID)
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewEdgeClient(srv.URL+"/edge", time.Second)
	req := v1.ForwardRequest{
		Method: http.MethodPut,
		Path:   constraints.EdgePathBulkTraits,
		Headers: map[string]string{
			constraints.HeaderEnvironmentKey: "ser.abc",
			constraints.HeaderTraceID:        "trace-1",
		},
		Payload: json.RawMessage(`[{"trait_key":"a"}]`),
	}
	require.NoError(t, c.Forward(context.Background(), req))
	assert.Equal(t, "PUT /edge/traits/bulk/", gotPath)
	assert.Equal(t, "ser.abc", gotKey)
	assert.Equal(t, "trace-1", gotTrace)
	assert.Equal(t, `[{"trait_key":"a"}]`, gotBody)

	status = http.StatusServiceUnavailable
	err := c.Forward(context.Background(), req)
	var sc interface{ HTTPStatus() int }
	require.True(t, errors.As(err, &sc))
	assert.Equal(t, http.StatusServiceUnavailable, sc.HTTPStatus())
}

func TestVersionWatcher_SnapshotThenStream(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/versions/snapshot":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []v1.PublishedVersion{
					{Sha: "old", FeatureID: 1, LiveFrom: now.Add(-time.Hour), Revision: 4},
				},
				"revision": 5,
			})
		case "/api/v1/versions/stream":
			assert.Equal(t, "5", r.URL.Query().Get("last_rev"))
			w.Header().Set("Content-Type", "text/event-stream")
			msg, _ := json.Marshal(v1.Message{Sha: "new", FeatureID: 1, LiveFrom: now, Revision: 6, Action: constraints.PUT})
			_, _ = fmt.Fprintf(w, "event:ping\ndata:pong\n\nevent:message\ndata:%s\n\n", msg)
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		}
	}))
	defer srv.Close()

	watcher := NewVersionWatcher(srv.URL, "key-1")
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	got, ok := watcher.Current(1, now)
	require.True(t, ok)
	assert.Equal(t, "old", got.Sha)

	assert.Eventually(t, func() bool { return watcher.Revision() == 6 }, 2*time.Second, 10*time.Millisecond)
	got, ok = watcher.Current(1, now)
	require.True(t, ok)
	assert.Equal(t, "new", got.Sha)

	got, ok = watcher.Current(1, now.Add(-time.Minute))
	require.True(t, ok)
	assert.Equal(t, "old", got.Sha)
	_, ok = watcher.Current(2, now)
	assert.False(t, ok)
}

func TestVersionWatcher_HandleUpdate(t *testing.T) {
	w := NewVersionWatcher("http://unused", "")
	w.lastRev = 10
	w.versions["a"] = v1.PublishedVersion{Sha: "a", FeatureID: 1}

	w.handleUpdate(v1.Message{Sha: "b", FeatureID: 1, Revision: 9, Action: constraints.PUT})
	assert.NotContains(t, w.versions, "b")

	w.handleUpdate(v1.Message{Sha: "a", FeatureID: 1, Revision: 11, Action: constraints.DELETE})
	assert.NotContains(t, w.versions, "a")
	assert.EqualValues(t, 11, w.Revision())
}
