package graph

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownload_Success(t *testing.T) {
	content := "hello, sharepoint"

	mux := http.NewServeMux()
	mux.HandleFunc("/drives/d1/items/i1/content", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/blob/i1", http.StatusFound)
	})
	mux.HandleFunc("/blob/i1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(content))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	var buf bytes.Buffer
	n, err := client.Download(context.Background(), "d1", "i1", &buf, 0)
	require.NoError(t, err)

	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, content, buf.String())
}

func TestDownload_WithinLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("12345"))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	var buf bytes.Buffer
	n, err := client.Download(context.Background(), "d1", "i1", &buf, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestDownload_ExceedsLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	var buf bytes.Buffer
	_, err := client.Download(context.Background(), "d1", "i1", &buf, 10)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestDownload_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	var buf bytes.Buffer
	_, err := client.Download(context.Background(), "d1", "missing", &buf, 0)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, buf.Len())
}
