package history

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ErrHostNotAllowed is returned for image URLs outside the configured
// generation hosts.
var ErrHostNotAllowed = errors.New("history: image host not allowed")

const maxRedirects = 10

// HostPolicy restricts which hosts generated images are downloaded from.
// Entries are "host" or "host:port". The zero value allows nothing.
type HostPolicy struct {
	hosts map[string]bool
}

func NewHostPolicy(hosts []string) HostPolicy {
	p := HostPolicy{hosts: make(map[string]bool, len(hosts))}
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			p.hosts[h] = true
		}
	}
	return p
}

// Check parses rawURL and rejects anything but http(s) on an allowed host.
func (p HostPolicy) Check(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("history: invalid image url: %w", err)
	}
	if err := p.checkURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (p HostPolicy) checkURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("history: unsupported image url scheme %q", u.Scheme)
	}
	if u.User != nil {
		return errors.New("history: image url must not carry credentials")
	}
	host := strings.ToLower(u.Host)
	if !p.hosts[host] && !p.hosts[strings.ToLower(u.Hostname())] {
		return fmt.Errorf("%w: %s", ErrHostNotAllowed, u.Host)
	}
	return nil
}

// CheckRedirect plugs into http.Client so a redirect cannot leave the
// allowed hosts either.
func (p HostPolicy) CheckRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("history: too many redirects")
	}
	return p.checkURL(req.URL)
}
