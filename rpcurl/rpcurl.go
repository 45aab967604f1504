// Package rpcurl implements the minimal address grammar the remoting core
// accepts: "ip:port[?k1=v1&k2=v2...]". It deliberately does not grow into a
// general URL parser — see spec §6, which scopes address parsing beyond
// this grammar as an external collaborator's concern.
package rpcurl

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Option keys recognized in the query string, exactly as spec §6.
const (
	OptConnectTimeout  = "_CONNECTTIMEOUT"
	OptProtocol        = "_PROTOCOL"
	OptVersion         = "_VERSION"
	OptConnectionNum   = "_CONNECTIONNUM"
	OptConnectionWarmup = "_CONNECTIONWARMUP"
	OptIdleTimeout     = "_IDLETIMEOUT"
)

// URL is a parsed remoting address.
type URL struct {
	IP   string
	Port int

	ConnectTimeout time.Duration
	ProtocolCode   byte
	Version        byte
	ConnNum        int
	ConnWarmup     bool
	IdleTimeout    time.Duration

	raw string
}

// Defaults applied when the corresponding option is absent.
const (
	DefaultConnectTimeout = 1 * time.Second
	DefaultConnNum        = 1
)

// Parse parses "ip:port[?k=v&...]" into a URL. Unknown option keys are
// preserved but ignored by the core (forward-compatible).
func Parse(addr string) (*URL, error) {
	raw := addr
	path := addr
	var rawQuery string
	if idx := strings.IndexByte(addr, '?'); idx >= 0 {
		path = addr[:idx]
		rawQuery = addr[idx+1:]
	}

	host, portStr, err := net.SplitHostPort(path)
	if err != nil {
		return nil, fmt.Errorf("rpcurl: invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("rpcurl: invalid port in %q: %w", addr, err)
	}

	u := &URL{
		IP:             host,
		Port:           port,
		ConnectTimeout: DefaultConnectTimeout,
		ConnNum:        DefaultConnNum,
		raw:            raw,
	}

	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, fmt.Errorf("rpcurl: invalid options in %q: %w", addr, err)
	}

	if v := values.Get(OptConnectTimeout); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("rpcurl: invalid %s: %w", OptConnectTimeout, err)
		}
		u.ConnectTimeout = time.Duration(ms) * time.Millisecond
	}
	if v := values.Get(OptProtocol); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("rpcurl: invalid %s: %w", OptProtocol, err)
		}
		u.ProtocolCode = byte(n)
	}
	if v := values.Get(OptVersion); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("rpcurl: invalid %s: %w", OptVersion, err)
		}
		u.Version = byte(n)
	}
	if v := values.Get(OptConnectionNum); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("rpcurl: invalid %s: %w", OptConnectionNum, err)
		}
		u.ConnNum = n
	}
	if v := values.Get(OptConnectionWarmup); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("rpcurl: invalid %s: %w", OptConnectionWarmup, err)
		}
		u.ConnWarmup = b
	}
	if v := values.Get(OptIdleTimeout); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("rpcurl: invalid %s: %w", OptIdleTimeout, err)
		}
		u.IdleTimeout = time.Duration(ms) * time.Millisecond
	}

	return u, nil
}

// Address returns the bare "ip:port" without options, suitable for net.Dial.
func (u *URL) Address() string {
	return net.JoinHostPort(u.IP, strconv.Itoa(u.Port))
}

// UniqueKey returns the string used as the connection-manager pool key.
// Two URLs that differ only in option order or default-valued options
// normalize to the same key.
func (u *URL) UniqueKey() string {
	var b strings.Builder
	b.WriteString(u.Address())
	if u.ProtocolCode != 0 {
		fmt.Fprintf(&b, "?%s=%d", OptProtocol, u.ProtocolCode)
	}
	return b.String()
}

func (u *URL) String() string { return u.raw }
