package stages

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/transports/gdrive"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/transports/ssh"
)

// Fetcher copies the archive named by source into dst and returns the
// number of bytes written.
type Fetcher interface {
	Fetch(ctx context.Context, source string, dst io.Writer) (int64, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, source string, dst io.Writer) (int64, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, source string, dst io.Writer) (int64, error) {
	return f(ctx, source, dst)
}

// SelectFetcher picks the fetcher for source by its scheme:
//
//	https://drive.google.com/file/d/<id>/...   Google Drive share link
//	http(s)://...                              plain download
//	sftp://user@host[:port]/path               SFTP
//	file:///path                               local copy
func SelectFetcher(source string, httpClient *http.Client) (Fetcher, error) {
	if source == "" {
		return nil, fmt.Errorf("source URL is empty")
	}
	u, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("malformed source URL: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return nil, fmt.Errorf("malformed source URL %q: missing host", source)
		}
		client := gdrive.New(httpClient)
		if gdrive.IsDriveURL(source) {
			return FetcherFunc(client.Download), nil
		}
		return FetcherFunc(client.Fetch), nil
	case "sftp", "ssh":
		return FetcherFunc(fetchSFTP), nil
	case "file":
		if u.Host != "" && u.Host != "localhost" {
			return nil, fmt.Errorf("malformed source URL %q: file URLs take an absolute path, as in file:///data/archive.zip", source)
		}
		if u.Path == "" {
			return nil, fmt.Errorf("malformed source URL %q: missing path", source)
		}
		return FetcherFunc(func(ctx context.Context, _ string, dst io.Writer) (int64, error) {
			return copyLocal(ctx, u.Path, dst)
		}), nil
	case "":
		return nil, fmt.Errorf("source URL %q has no scheme; use file:// for local archives", source)
	default:
		return nil, fmt.Errorf("unsupported source URL scheme %q", u.Scheme)
	}
}

func fetchSFTP(ctx context.Context, source string, dst io.Writer) (int64, error) {
	u, err := url.Parse(source)
	if err != nil {
		return 0, fmt.Errorf("malformed source URL: %w", err)
	}
	if u.Path == "" || u.Path == "/" {
		return 0, fmt.Errorf("missing remote path in %s", u.Redacted())
	}

	cfg, err := ssh.FromURL(u)
	if err != nil {
		return 0, err
	}
	client, err := ssh.NewClient(cfg)
	if err != nil {
		return 0, err
	}
	if err := client.Connect(ctx); err != nil {
		return 0, err
	}
	defer client.Close()

	return client.Download(ctx, u.Path, dst)
}

func copyLocal(ctx context.Context, path string, dst io.Writer) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return 0, fmt.Errorf("failed to open local archive: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(dst, f)
	if err != nil {
		return n, fmt.Errorf("failed to copy local archive: %w", err)
	}
	return n, nil
}
