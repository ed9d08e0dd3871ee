package document

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDocumentServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/doc.pdf", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "juscash-test", r.UserAgent())
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4 body"))
	})
	mux.HandleFunc("/huge.pdf", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
	})
	mux.HandleFunc("/slow.pdf", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCollyDownloaderFetchesBody(t *testing.T) {
	t.Parallel()

	srv := newDocumentServer(t)
	d := NewCollyDownloader(DownloaderConfig{UserAgent: "juscash-test", Timeout: time.Second})

	dl, err := d.Download(context.Background(), srv.URL+"/doc.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4 body"), dl.Body)
	assert.Equal(t, "application/pdf", dl.ContentType)
	assert.Equal(t, srv.URL+"/doc.pdf", dl.URL)

	again, err := d.Download(context.Background(), srv.URL+"/doc.pdf")
	require.NoError(t, err, "revisiting the same document is allowed")
	assert.Equal(t, dl.Body, again.Body)
}

func TestCollyDownloaderRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	srv := newDocumentServer(t)
	d := NewCollyDownloader(DownloaderConfig{UserAgent: "juscash-test", MaxBytes: 1024})

	_, err := d.Download(context.Background(), srv.URL+"/huge.pdf")
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestCollyDownloaderReportsHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := newDocumentServer(t)
	d := NewCollyDownloader(DownloaderConfig{})

	_, err := d.Download(context.Background(), srv.URL+"/missing.pdf")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTooLarge))
}

func TestCollyDownloaderHonorsContext(t *testing.T) {
	t.Parallel()

	srv := newDocumentServer(t)
	d := NewCollyDownloader(DownloaderConfig{Timeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.Download(ctx, srv.URL+"/slow.pdf")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
