package gdrive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileID(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{"https://drive.google.com/file/d/1vlhZ5c7abUKF8xXERIw6m9Te8fW7ohw3/view?usp=sharing", "1vlhZ5c7abUKF8xXERIw6m9Te8fW7ohw3", false},
		{"https://drive.google.com/file/d/abc_DEF-123/view", "abc_DEF-123", false},
		{"https://drive.google.com/uc?export=download&id=xyz", "xyz", false},
		{"https://drive.google.com/open?id=qrs", "qrs", false},
		{"https://drive.google.com/file/view", "", true},
		{"https://drive.google.com/file/d/", "", true},
		{"://bad", "", true},
	}

	for _, tt := range tests {
		got, err := FileID(tt.url)
		if tt.wantErr {
			assert.Error(t, err, tt.url)
			continue
		}
		require.NoError(t, err, tt.url)
		assert.Equal(t, tt.want, got, tt.url)
	}

	_, err := FileID("https://drive.google.com/file/view")
	assert.ErrorIs(t, err, ErrNoFileID)
}

func TestIsDriveURL(t *testing.T) {
	assert.True(t, IsDriveURL("https://drive.google.com/file/d/x/view"))
	assert.True(t, IsDriveURL("https://DRIVE.google.com/file/d/x/view"))
	assert.False(t, IsDriveURL("https://example.org/data.zip"))
	assert.False(t, IsDriveURL("::"))
}

func TestDownloadURL(t *testing.T) {
	c := New(nil)
	assert.Equal(t, "https://drive.google.com/uc?export=download&id=abc", c.DownloadURL("abc"))
}

func TestClient_Download(t *testing.T) {
	payload := bytes.Repeat([]byte("PK"), 1000)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "download", r.URL.Query().Get("export"))
		if r.URL.Query().Get("id") != "file123" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Write(payload)
	}))
	defer srv.Close()

	c := New(srv.Client())
	c.BaseURL = srv.URL + "/uc"

	var buf bytes.Buffer
	n, err := c.Download(context.Background(), "https://drive.google.com/file/d/file123/view?usp=sharing", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, buf.Bytes())

	_, err = c.Download(context.Background(), "https://drive.google.com/file/d/other/view", &buf)
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusNotFound, serr.StatusCode)
}

func TestClient_DownloadFollowsConfirmationForm(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/uc":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprintf(w, `<html><form id="download-form" action="%s/download" method="get">
<input type="hidden" name="id" value="big">
<input type="hidden" name="confirm" value="t">
<input type="hidden" name="uuid" value="u-1">
</form></html>`, srvURL)
		case "/download":
			q := r.URL.Query()
			if q.Get("confirm") != "t" || q.Get("uuid") != "u-1" || q.Get("id") != "big" {
				http.Error(w, "bad confirm", http.StatusForbidden)
				return
			}
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write([]byte("archive"))
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	c := New(srv.Client())
	c.BaseURL = srv.URL + "/uc"

	var buf bytes.Buffer
	_, err := c.Download(context.Background(), "https://drive.google.com/file/d/big/view", &buf)
	require.NoError(t, err)
	assert.Equal(t, "archive", buf.String())
}

func TestClient_DownloadLegacyConfirmToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("confirm") == "AbC1" {
			w.Header().Set("Content-Type", "application/zip")
			w.Write([]byte("zip"))
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<a href="/uc?export=download&amp;confirm=AbC1&amp;id=x">Download anyway</a>`))
	}))
	defer srv.Close()

	c := New(srv.Client())
	c.BaseURL = srv.URL + "/uc"

	var buf bytes.Buffer
	_, err := c.Download(context.Background(), "https://drive.google.com/file/d/x/view", &buf)
	require.NoError(t, err)
	assert.Equal(t, "zip", buf.String())
}

func TestClient_DownloadHTMLWithoutLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>Sign in</html>"))
	}))
	defer srv.Close()

	c := New(srv.Client())
	c.BaseURL = srv.URL + "/uc"

	_, err := c.Download(context.Background(), "https://drive.google.com/file/d/x/view", &bytes.Buffer{})
	assert.ErrorContains(t, err, "no download link")
}

func TestClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/data.zip":
			w.Write([]byte("zipdata"))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := New(srv.Client())

	var buf bytes.Buffer
	n, err := c.Fetch(context.Background(), srv.URL+"/data.zip", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	_, err = c.Fetch(context.Background(), srv.URL+"/broken", &buf)
	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, 500, serr.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Fetch(ctx, srv.URL+"/data.zip", &buf)
	assert.ErrorIs(t, err, context.Canceled)
}
