package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citypulse/transit-ingest/internal/feed"
)

func testSource(url string) *feed.Source {
	return &feed.Source{
		ID:  "vehicle-positions",
		URL: url,
		Headers: map[string]string{
			"Authorization": "Bearer abc123",
		},
	}
}

func TestFetchSuccess(t *testing.T) {
	var gotAuth, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("payload-bytes"))
	}))
	defer srv.Close()

	c := NewHTTPClient(Options{UserAgent: "transit-ingest-test/1.0"})
	now := time.Date(2025, 3, 10, 14, 7, 15, 0, time.UTC)

	raw, err := c.Fetch(context.Background(), testSource(srv.URL), now)
	require.NoError(t, err)

	assert.Equal(t, "vehicle-positions", raw.DatasetID)
	assert.Equal(t, now, raw.FetchedAt)
	assert.Equal(t, []byte("payload-bytes"), raw.Body)
	assert.Equal(t, hashBytes([]byte("payload-bytes")), raw.ContentHash)
	assert.Equal(t, "Bearer abc123", gotAuth)
	assert.Equal(t, "transit-ingest-test/1.0", gotUA)
}

func TestFetchHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(Options{})
	_, err := c.Fetch(context.Background(), testSource(srv.URL), time.Now())
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindHTTPStatus, fe.Kind)
	assert.Equal(t, http.StatusBadGateway, fe.Status)
	assert.True(t, fe.Transient())
}

func TestFetchNotFoundNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := NewHTTPClient(Options{})
	_, err := c.Fetch(context.Background(), testSource(srv.URL), time.Now())

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindHTTPStatus, fe.Kind)
	assert.Equal(t, http.StatusNotFound, fe.Status)
	assert.False(t, fe.Transient())
}

func TestFetchEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(Options{})
	_, err := c.Fetch(context.Background(), testSource(srv.URL), time.Now())

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindEmptyBody, fe.Kind)
	assert.False(t, fe.Transient())
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		_, _ = w.Write([]byte("too late"))
	}))
	defer srv.Close()

	src := testSource(srv.URL)
	src.Timeout = feed.Duration(50 * time.Millisecond)

	c := NewHTTPClient(Options{})
	_, err := c.Fetch(context.Background(), src, time.Now())

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindTimeout, fe.Kind)
	assert.True(t, fe.Transient())
}

func TestFetchNetworkError(t *testing.T) {
	// Nothing listens here.
	src := testSource("http://127.0.0.1:1")

	c := NewHTTPClient(Options{})
	_, err := c.Fetch(context.Background(), src, time.Now())

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindNetwork, fe.Kind)
	assert.True(t, fe.Transient())
}

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "network", KindNetwork.String())
	assert.Equal(t, "http_status", KindHTTPStatus.String())
	assert.Equal(t, "timeout", KindTimeout.String())
	assert.Equal(t, "empty_body", KindEmptyBody.String())

	e := &FetchError{Kind: KindHTTPStatus, Status: 503}
	assert.Equal(t, "fetch: http_status(503)", e.Error())
}
