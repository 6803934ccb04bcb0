package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// target is the result of parsing spec.md §6's connection-string
// grammar: [protocol://][user[:password]@][host][:port][?k=v&...],
// plus the netcat-style optional second positional port.
type target struct {
	Protocol string // "connect", "bind", "ssl-connect", "ssl-bind", "ssh"; "" if not yet inferred
	Host     string
	Port     int
	User     string
	Password string
	Query    url.Values
}

// parseTarget parses raw (the first positional CLI argument) and an
// optional netcat-style second positional port, applying spec.md §6's
// protocol-inference rules unless an explicit scheme or --listen/--ssl
// flag already pins one:
//
//	user+host      ⇒ ssh
//	host+port      ⇒ connect
//	no host or 0.0.0.0 ⇒ bind
//	ssl- prefix added when cert/key supplied
//
// forceListen reflects --listen/-l; forceSSL is true when --ssl,
// --ssl-cert or --ssl-key was given (the caller folds those together).
func parseTarget(raw, secondPort string, forceListen, forceSSL bool, explicitPort int) (target, error) {
	t := target{Query: url.Values{}}

	rest := raw
	if idx := strings.Index(rest, "://"); idx >= 0 {
		t.Protocol = rest[:idx]
		rest = rest[idx+3:]
	}

	if idx := strings.Index(rest, "?"); idx >= 0 {
		q, err := url.ParseQuery(rest[idx+1:])
		if err != nil {
			return target{}, fmt.Errorf("invalid query string %q: %w", rest[idx+1:], err)
		}
		t.Query = q
		rest = rest[:idx]
	}

	if idx := strings.Index(rest, "@"); idx >= 0 {
		userinfo := rest[:idx]
		rest = rest[idx+1:]
		if cidx := strings.Index(userinfo, ":"); cidx >= 0 {
			t.User = userinfo[:cidx]
			t.Password = userinfo[cidx+1:]
		} else {
			t.User = userinfo
		}
	}

	if rest != "" {
		host, portStr, err := splitHostPort(rest)
		if err != nil {
			return target{}, err
		}
		t.Host = host
		if portStr != "" {
			p, err := strconv.Atoi(portStr)
			if err != nil {
				return target{}, fmt.Errorf("invalid port %q: %w", portStr, err)
			}
			t.Port = p
		}
	}

	// netcat-style: `pwncat host port`
	if secondPort != "" {
		p, err := strconv.Atoi(secondPort)
		if err != nil {
			return target{}, fmt.Errorf("invalid port %q: %w", secondPort, err)
		}
		t.Port = p
	}
	if explicitPort != 0 {
		t.Port = explicitPort
	}

	if t.Protocol == "" {
		switch {
		case t.User != "" && t.Host != "":
			t.Protocol = "ssh"
		case forceListen, t.Host == "", t.Host == "0.0.0.0":
			t.Protocol = "bind"
		default:
			t.Protocol = "connect"
		}
	}

	if forceSSL && !strings.HasPrefix(t.Protocol, "ssl-") && t.Protocol != "ssh" {
		t.Protocol = "ssl-" + t.Protocol
	}

	if t.Protocol == "bind" || t.Protocol == "ssl-bind" {
		if t.Host == "" {
			t.Host = "0.0.0.0"
		}
	}

	return t, nil
}

// splitHostPort splits "host:port", "host", or ":port" (bind shorthand
// for "any host, this port") at the last colon. Unlike net.SplitHostPort
// it accepts a bare host with no port at all, since pwncat's grammar
// allows one (bind-with-ephemeral-port is not supported, but a
// listen-all address like ":4444" is common netcat-style usage). It does
// not understand IPv6 brackets: "[::1]:4444" yields host "[::1]", and a
// bare IPv6 address with no port is split at its last colon.
func splitHostPort(s string) (host, port string, err error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return s, "", nil
	}
	return s[:idx], s[idx+1:], nil
}
