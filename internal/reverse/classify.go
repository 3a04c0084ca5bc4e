package reverse

import (
	"net"
	"strings"
)

// Class is the outcome of classifying an inbound stream.
type Class int

const (
	DataTraffic Class = iota
	ControlCandidate
)

func (c Class) String() string {
	if c == ControlCandidate {
		return "control"
	}
	return "data"
}

// Classify decides whether a stream addressed to target was opened by a Bridge.
// target is a domain or IP, optionally with a port. Only an exact, case-sensitive
// match of the host against domain yields ControlCandidate; IP literals and
// empty targets are always data traffic. No name resolution takes place.
func Classify(target, domain string) Class {
	if domain == "" {
		return DataTraffic
	}
	host := hostOf(target)
	if host == "" || net.ParseIP(host) != nil {
		return DataTraffic
	}
	if host == domain {
		return ControlCandidate
	}
	return DataTraffic
}

func hostOf(target string) string {
	if target == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(target); err == nil {
		return h
	}
	// bracketed IPv6 without port
	return strings.TrimSuffix(strings.TrimPrefix(target, "["), "]")
}
