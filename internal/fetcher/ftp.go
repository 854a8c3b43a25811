package fetcher

import (
	"context"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"

	"github.com/citypulse/transit-ingest/internal/feed"
)

// parseFTPURL extracts host (with port) and path from an FTP URL.
func parseFTPURL(rawURL string) (host string, path string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	path = u.Path
	if path == "" {
		return "", "", eris.New("empty path in ftp url")
	}

	return host, path, nil
}

// fetchFTP retrieves a static archive over anonymous FTP. A few transit
// agencies still publish their GTFS zip this way.
func (c *HTTPClient) fetchFTP(ctx context.Context, src *feed.Source, now time.Time) (*RawResult, error) {
	host, path, err := parseFTPURL(src.URL)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, Err: err}
	}

	deadline, ok := ctx.Deadline()
	dialTimeout := c.opts.DefaultTimeout
	if ok {
		dialTimeout = time.Until(deadline)
	}

	conn, err := ftp.Dial(host, ftp.DialWithContext(ctx), ftp.DialWithTimeout(dialTimeout))
	if err != nil {
		return nil, classifyTransport(eris.Wrap(err, "ftp dial"))
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login("anonymous", "anonymous"); err != nil {
		return nil, &FetchError{Kind: KindNetwork, Err: eris.Wrap(err, "ftp login")}
	}

	resp, err := conn.Retr(path)
	if err != nil {
		return nil, classifyTransport(eris.Wrapf(err, "ftp retr %s", path))
	}
	defer resp.Close() //nolint:errcheck

	body, err := io.ReadAll(resp)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if len(body) == 0 {
		return nil, &FetchError{Kind: KindEmptyBody}
	}

	return &RawResult{
		DatasetID:   src.ID,
		FetchedAt:   now.UTC(),
		ContentHash: hashBytes(body),
		Body:        body,
	}, nil
}
