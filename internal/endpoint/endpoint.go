// Package endpoint hides whether the peer on the other side of a sync is
// a local path, an SSH subprocess, or an HTTP range server (pull-only,
// per the zsync role-flip: an HTTP endpoint is a source, never a
// destination).
package endpoint

import (
	"strings"

	"github.com/pkg/errors"
)

// Scheme identifies which transport a Spec resolves to.
type Scheme string

const (
	SchemeLocal Scheme = "local"
	SchemeSSH   Scheme = "ssh"
	SchemeHTTP  Scheme = "http"
)

// Spec is a parsed endpoint address: either a bare local path, an
// `[user@]host:path` SSH address, or an `http(s)://` URL.
type Spec struct {
	Scheme Scheme
	User   string
	Host   string
	Path   string
	URL    string
}

// Parse recognizes three endpoint syntaxes. A bare path (no "://" and no
// "host:" prefix) is SchemeLocal. An address
// containing "://" with an http/https scheme is SchemeHTTP. Anything of
// the form `[user@]host:path` is SchemeSSH; it is checked after the URL
// form, and a single-letter "host" (a Windows drive letter such as
// "C:\...") is not taken as one. Anything else falls back to SchemeLocal.
func Parse(raw string) (*Spec, error) {
	if raw == "" {
		return nil, errors.New("endpoint: empty address")
	}

	if strings.Contains(raw, "://") {
		scheme := strings.SplitN(raw, "://", 2)[0]
		switch strings.ToLower(scheme) {
		case "http", "https":
			return &Spec{Scheme: SchemeHTTP, URL: raw}, nil
		default:
			return nil, errors.Errorf("endpoint: unsupported URL scheme %q", scheme)
		}
	}

	if host, path, ok := splitHostPath(raw); ok {
		user := ""
		if at := strings.IndexByte(host, '@'); at >= 0 {
			user, host = host[:at], host[at+1:]
		}
		return &Spec{Scheme: SchemeSSH, User: user, Host: host, Path: path}, nil
	}

	return &Spec{Scheme: SchemeLocal, Path: raw}, nil
}

// splitHostPath recognizes `[user@]host:path`, rejecting a bare local
// path like "/a/b" (no colon) or "C:\a\b" (colon is a drive letter, and
// the segment before it contains no slash-free hostname shape worth
// honoring — remote addresses are expected to be POSIX-style).
func splitHostPath(raw string) (host, path string, ok bool) {
	idx := strings.IndexByte(raw, ':')
	if idx <= 0 {
		return "", "", false
	}
	candidateHost := raw[:idx]
	if strings.ContainsAny(candidateHost, "/\\") {
		return "", "", false
	}
	// A single-letter "host" is almost always a Windows drive letter
	// ("C:\...", "C:/..."), never a real remote hostname.
	if len(candidateHost) <= 1 {
		return "", "", false
	}
	return candidateHost, raw[idx+1:], true
}
