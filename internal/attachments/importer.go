package attachments

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/env"
	"github.com/yungbote/memory-service/internal/pkg/logger"
)

// importer fetches source-URL payloads. Redirect targets and resolved
// addresses are checked against private ranges, so an attacker cannot use
// the service to probe the internal network.
type importer struct {
	client       *http.Client
	maxSize      int64
	allowPrivate bool
}

func newImporter(logg *logger.Logger, maxSize int64) *importer {
	imp := &importer{
		maxSize:      maxSize,
		allowPrivate: env.GetAsBool("ATTACHMENT_ALLOW_PRIVATE_SOURCES", false, logg),
	}

	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(_, address string, _ syscall.RawConn) error {
			return imp.checkAddress(address)
		},
	}
	imp.client = &http.Client{
		Timeout: env.GetAsDuration("ATTACHMENT_IMPORT_TIMEOUT", 30*time.Second, logg),
		Transport: &http.Transport{
			DialContext:       dialer.DialContext,
			ForceAttemptHTTP2: true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fault.New(fault.KindInvalidArgument, "too many redirects")
			}
			return imp.checkURL(req.URL)
		},
	}
	return imp
}

func (imp *importer) fetch(ctx context.Context, rawURL string) (io.ReadCloser, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fault.Wrap(fault.KindInvalidArgument, "invalid source url", err)
	}
	if err := imp.checkURL(u); err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fault.Wrap(fault.KindInvalidArgument, "invalid source url", err)
	}
	resp, err := imp.client.Do(req)
	if err != nil {
		return nil, "", fault.Wrap(fault.KindUnavailable, "source fetch failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fault.Newf(fault.KindUnavailable, "source returned status %d", resp.StatusCode)
	}
	if resp.ContentLength > imp.maxSize {
		resp.Body.Close()
		return nil, "", fault.Newf(fault.KindInvalidArgument, "source exceeds %d bytes", imp.maxSize)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

func (imp *importer) checkURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fault.Newf(fault.KindInvalidArgument, "unsupported source scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fault.New(fault.KindInvalidArgument, "source url missing host")
	}
	return nil
}

// checkAddress runs at dial time against the resolved IP, which also
// covers DNS names that resolve into private space.
func (imp *importer) checkAddress(address string) error {
	if imp.allowPrivate {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fault.Wrap(fault.KindInvalidArgument, "invalid source address", err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fault.Newf(fault.KindInvalidArgument, "unresolvable source address %q", host)
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return fault.New(fault.KindInvalidArgument, "source resolves to a private address")
	}
	return nil
}
