// Package gdrive downloads files published as Google Drive share links,
// and plain HTTP(S) files through the same code path.
package gdrive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultBaseURL is the direct-download endpoint.
const DefaultBaseURL = "https://drive.google.com/uc"

// ErrNoFileID is returned for links that do not name a file.
var ErrNoFileID = errors.New("no google drive file id in url")

// StatusError reports an HTTP status of 400 or above.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// IsDriveURL reports whether raw points at drive.google.com.
func IsDriveURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), "drive.google.com")
}

// FileID extracts the file id from a share link. The id is the path segment
// after /d/; links of the form ...?id=<id> are accepted too.
func FileID(shareURL string) (string, error) {
	u, err := url.Parse(shareURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", shareURL, err)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "d" && parts[i+1] != "" {
			return parts[i+1], nil
		}
	}
	if id := u.Query().Get("id"); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoFileID, shareURL)
}

// Client downloads files over HTTP.
type Client struct {
	HTTP    *http.Client
	BaseURL string
}

// New returns a client. A nil httpClient uses a client with a generous
// overall timeout suitable for dataset archives.
func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Minute}
	}
	return &Client{HTTP: httpClient, BaseURL: DefaultBaseURL}
}

// DownloadURL returns the direct-download URL for a file id.
func (c *Client) DownloadURL(id string) string {
	q := url.Values{}
	q.Set("export", "download")
	q.Set("id", id)
	return c.BaseURL + "?" + q.Encode()
}

// Download resolves a share link and streams the file into dst. Large
// files answer with an HTML confirmation page first; its form is followed
// once.
func (c *Client) Download(ctx context.Context, shareURL string, dst io.Writer) (int64, error) {
	id, err := FileID(shareURL)
	if err != nil {
		return 0, err
	}

	target := c.DownloadURL(id)
	resp, err := c.get(ctx, target)
	if err != nil {
		return 0, err
	}

	if isHTML(resp) {
		page, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			return 0, fmt.Errorf("failed to read confirmation page: %w", err)
		}
		next, err := confirmURL(target, page)
		if err != nil {
			return 0, err
		}
		log.Debug().Str("file_id", id).Msg("following drive confirmation form")
		if resp, err = c.get(ctx, next); err != nil {
			return 0, err
		}
		if isHTML(resp) {
			resp.Body.Close()
			return 0, fmt.Errorf("google drive returned an HTML page instead of file %s", id)
		}
	}
	defer resp.Body.Close()

	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to read %s: %w", target, err)
	}
	return n, nil
}

// Fetch streams a plain HTTP(S) URL into dst.
func (c *Client) Fetch(ctx context.Context, rawURL string, dst io.Writer) (int64, error) {
	resp, err := c.get(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to read %s: %w", rawURL, err)
	}
	return n, nil
}

func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

func isHTML(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html")
}

var (
	formActionRe  = regexp.MustCompile(`<form[^>]*action="([^"]+)"`)
	hiddenInputRe = regexp.MustCompile(`<input[^>]*type="hidden"[^>]*name="([^"]+)"[^>]*value="([^"]*)"`)
	confirmRe     = regexp.MustCompile(`confirm=([0-9A-Za-z_-]+)`)
)

// confirmURL builds the follow-up request from a confirmation page: the
// download form when present, otherwise the original URL plus the confirm
// token.
func confirmURL(original string, page []byte) (string, error) {
	if m := formActionRe.FindSubmatch(page); m != nil {
		action, err := url.Parse(html.UnescapeString(string(m[1])))
		if err != nil {
			return "", fmt.Errorf("invalid confirmation form action: %w", err)
		}
		base, err := url.Parse(original)
		if err != nil {
			return "", err
		}
		action = base.ResolveReference(action)
		q := action.Query()
		for _, in := range hiddenInputRe.FindAllSubmatch(page, -1) {
			q.Set(string(in[1]), html.UnescapeString(string(in[2])))
		}
		action.RawQuery = q.Encode()
		return action.String(), nil
	}

	if m := confirmRe.FindSubmatch(bytes.ReplaceAll(page, []byte("&amp;"), []byte("&"))); m != nil {
		return original + "&confirm=" + url.QueryEscape(string(m[1])), nil
	}
	return "", fmt.Errorf("google drive confirmation page has no download link")
}
