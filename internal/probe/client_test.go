package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoMeasuresDurationAndSize(t *testing.T) {
	body := "0123456789"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewClient(Options{})
	res, err := c.Do(context.Background(), "GET", srv.URL, nil, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, int64(len(body)), res.ResponseSizeBytes)
	assert.GreaterOrEqual(t, res.Duration, 20*time.Millisecond)
}

func TestDoPassesMethodHeadersBody(t *testing.T) {
	var (
		gotMethod string
		gotHeader string
		gotBody   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Auth")
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		gotBody = buf
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(Options{})
	res, err := c.Do(context.Background(), "post", srv.URL,
		map[string]string{"X-Auth": "secret"}, `{"ping":true}`)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "secret", gotHeader)
	assert.JSONEq(t, `{"ping":true}`, string(gotBody))
}

func TestDoReturnsResultForErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Options{})
	res, err := c.Do(context.Background(), "GET", srv.URL, nil, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Positive(t, res.ResponseSizeBytes)
}

func TestDoConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(Options{Timeout: time.Second})
	_, err := c.Do(context.Background(), "GET", url, nil, "")
	assert.Error(t, err)
}

func TestResponseSizeCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 1024))
	}))
	defer srv.Close()

	c := NewClient(Options{MaxBodyBytes: 100})
	res, err := c.Do(context.Background(), "GET", srv.URL, nil, "")
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.ResponseSizeBytes)
}
