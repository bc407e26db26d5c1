package server

import (
	"errors"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	pkgerrors "invoker/pkg/errors"
)

const (
	SchemeTCP  = "tcp"
	SchemeUnix = "unix"
)

// ListenAddress is a parsed tcp://host:port or unix:///path address.
type ListenAddress struct {
	Network string
	Address string
}

func (a ListenAddress) String() string {
	return a.Network + "://" + a.Address
}

// ParseListenAddress validates a listen address. Unknown schemes are
// rejected so misconfiguration fails at startup.
func ParseListenAddress(raw string) (ListenAddress, error) {
	raw = strings.TrimSpace(raw)
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return ListenAddress{}, pkgerrors.Newf(pkgerrors.InvalidListenAddress, "listen address %q has no scheme", raw)
	}
	switch scheme {
	case SchemeTCP:
		u, err := url.Parse(raw)
		if err != nil {
			return ListenAddress{}, pkgerrors.Wrapf(err, pkgerrors.InvalidListenAddress, "parse listen address %q", raw)
		}
		if u.Path != "" || u.RawQuery != "" || u.User != nil {
			return ListenAddress{}, pkgerrors.Newf(pkgerrors.InvalidListenAddress, "tcp listen address %q must be host:port", raw)
		}
		host, port, err := net.SplitHostPort(u.Host)
		if err != nil {
			return ListenAddress{}, pkgerrors.Wrapf(err, pkgerrors.InvalidListenAddress, "tcp listen address %q", raw)
		}
		if host == "" || port == "" {
			return ListenAddress{}, pkgerrors.Newf(pkgerrors.InvalidListenAddress, "tcp listen address %q needs host and port", raw)
		}
		return ListenAddress{Network: SchemeTCP, Address: net.JoinHostPort(host, port)}, nil
	case SchemeUnix:
		if !filepath.IsAbs(rest) {
			return ListenAddress{}, pkgerrors.Newf(pkgerrors.InvalidListenAddress, "unix listen address %q must be an absolute path", raw)
		}
		return ListenAddress{Network: SchemeUnix, Address: filepath.Clean(rest)}, nil
	default:
		return ListenAddress{}, pkgerrors.Newf(pkgerrors.InvalidListenAddress, "unsupported listen scheme %q", scheme)
	}
}

// Listen opens a listener for addr. A stale unix socket left by a previous
// run is removed first; any other file at that path is an error.
func Listen(addr ListenAddress) (net.Listener, error) {
	if addr.Network == SchemeUnix {
		info, err := os.Lstat(addr.Address)
		switch {
		case err == nil && info.Mode()&fs.ModeSocket != 0:
			if err := os.Remove(addr.Address); err != nil {
				return nil, pkgerrors.Wrapf(err, pkgerrors.InvalidListenAddress, "remove stale socket %s", addr.Address)
			}
		case err == nil:
			return nil, pkgerrors.Newf(pkgerrors.InvalidListenAddress, "%s exists and is not a socket", addr.Address)
		case !errors.Is(err, fs.ErrNotExist):
			return nil, pkgerrors.Wrapf(err, pkgerrors.InvalidListenAddress, "stat %s", addr.Address)
		}
	}
	ln, err := net.Listen(addr.Network, addr.Address)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.InvalidListenAddress, "listen on %s", addr)
	}
	return ln, nil
}
