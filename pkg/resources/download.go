package resources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// Fetcher retrieves a URL on the control machine.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher fetches over HTTP(S).
type HTTPFetcher struct {
	Client *http.Client
}

// DefaultFetcher is used by Download when no fetcher is set.
var DefaultFetcher Fetcher = &HTTPFetcher{Client: &http.Client{Timeout: 5 * time.Minute}}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// Download places the body of a URL at a root-owned destination. When the
// destination exists its digest is compared with a local fetch of the same
// URL and the remote fetch is skipped on a match.
type Download struct {
	Base

	URL         string
	Destination string

	// Fetcher overrides DefaultFetcher.
	Fetcher Fetcher
}

// Download ownership and mode.
const (
	DownloadOwner = "root"
	DownloadGroup = "root"
	DownloadMode  = "766"
)

// Kind implements engine.Resource.
func (d *Download) Kind() string {
	return KindDownload
}

// Apply implements engine.Resource.
func (d *Download) Apply(ctx context.Context, s *engine.Session) (bool, error) {
	if _, err := s.InstallDependencies(ctx, d); err != nil {
		return false, err
	}

	remoteDigest, exists, err := s.RemoteDigest(ctx, d.Destination, true)
	if err != nil {
		return false, err
	}
	if exists {
		fetcher := d.Fetcher
		if fetcher == nil {
			fetcher = DefaultFetcher
		}
		body, err := fetcher.Fetch(ctx, d.URL)
		if err != nil {
			perr := engine.NewPreconditionError("cannot fetch " + d.URL + " locally")
			perr.Err = err
			return false, perr
		}
		if engine.Digest(body) == remoteDigest {
			s.Log.Info().Str("destination", d.Destination).Msg("already up to date")
			return false, nil
		}
	}

	steps := []string{
		fmt.Sprintf("curl --silent --output %s %s", d.Destination, d.URL),
		fmt.Sprintf("chown %s:%s %s", DownloadOwner, DownloadGroup, d.Destination),
		fmt.Sprintf("chmod %s %s", DownloadMode, d.Destination),
	}
	if err := runAll(ctx, s, steps, true); err != nil {
		return false, err
	}
	return true, nil
}
