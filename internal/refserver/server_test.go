package refserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/autosave/internal/entity"
	"github.com/tonimelisma/autosave/internal/remote"
)

func newTestServer(t *testing.T) (*httptest.Server, *Store) {
	t.Helper()

	store := newTestStore(t)
	srv := httptest.NewServer(NewServer(store, testLogger()).Handler())
	t.Cleanup(srv.Close)

	return srv, store
}

func postBatch(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url+remote.PathBatch, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	return resp, buf.Bytes()
}

func TestServer_BatchAccepted(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	resp, body := postBatch(t, srv.URL, `{"entities":[{"key":"store-1/flour","fields":{"count":4},"version":0}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.NotEmpty(t, resp.Header.Get(remote.HeaderRequest))

	var br remote.BatchResponse
	require.NoError(t, json.Unmarshal(body, &br))
	require.Len(t, br.Accepted, 1)
	assert.Equal(t, int64(1), br.Accepted[0].Version)
	assert.Empty(t, br.Conflicts)
}

func TestServer_BatchConflictIs409WithPartialApply(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t)

	_, err := store.Apply(context.Background(), []entity.Entity{{Key: entity.NewKey("store-1", "sugar"), Fields: entity.MustFields("count", 9)}})
	require.NoError(t, err)

	resp, body := postBatch(t, srv.URL, `{"entities":[
		{"key":"store-1/flour","fields":{"count":4},"version":0},
		{"key":"store-1/sugar","fields":{"count":1},"version":0}
	]}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(body))

	var br remote.BatchResponse
	require.NoError(t, json.Unmarshal(body, &br))
	require.Len(t, br.Accepted, 1)
	require.Len(t, br.Conflicts, 1)
	assert.Equal(t, entity.NewKey("store-1", "sugar"), br.Conflicts[0].Key)
	assert.Equal(t, int64(1), br.Conflicts[0].ServerVersion)

	count, _ := br.Conflicts[0].ServerFields.Get("count")
	assert.Equal(t, int64(9), count)
}

func TestServer_BatchRejectsBadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed json", `{"entities":`, "invalid request payload"},
		{"empty batch", `{"entities":[]}`, "Entities"},
		{"missing key", `{"entities":[{"fields":{},"version":0}]}`, "Key"},
		{"negative version", `{"entities":[{"key":"a/b","fields":{},"version":-1}]}`, "Version"},
		{"unparsable key", `{"entities":[{"key":"nokey","fields":{},"version":0}]}`, "invalid key"},
		{"duplicate key", `{"entities":[{"key":"a/b","fields":{},"version":0},{"key":"a/b","fields":{},"version":0}]}`, "duplicate key"},
	}

	srv, _ := newTestServer(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp, body := postBatch(t, srv.URL, tt.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var er remote.ErrorResponse
			require.NoError(t, json.Unmarshal(body, &er))
			assert.Contains(t, er.Error, tt.want)
			assert.NotEmpty(t, er.RequestID)
		})
	}
}

func TestServer_EchoesRequestID(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+remote.PathHealth, nil)
	require.NoError(t, err)
	req.Header.Set(remote.HeaderRequest, "req-123")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-123", resp.Header.Get(remote.HeaderRequest))
}

func TestServer_ListRequiresOwner(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + remote.PathEntities) //nolint:noctx // test
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + remote.PathBatch) //nolint:noctx // test
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_ClientRoundTrip(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	c := remote.NewClient(srv.URL, srv.Client(), testLogger(), "")
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	saved, err := c.SaveOne(ctx, entity.Entity{Key: entity.NewKey("café", "row 1"), Fields: entity.MustFields("count", 2)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	loaded, err := c.Load(ctx, autosaveScope("café"))
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, entity.NewKey("café", "row 1"), loaded[0].Key)
}

func TestServer_ServeShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- NewServer(newTestStore(t), testLogger()).Serve(ctx, ln)
	}()

	c := remote.NewClient("http://"+ln.Addr().String(), nil, testLogger(), "")
	require.Eventually(t, func() bool {
		return c.Health(context.Background()) == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
