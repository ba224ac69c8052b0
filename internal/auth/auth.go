// Package auth holds the passphrase credential table and its target ACLs.
//
// The table is built once at startup, either from a YAML credential file
// or from a single shared secret, and is immutable afterwards. A nil
// table disables authentication entirely.
package auth

import (
	"crypto/subtle"
	"fmt"
	"strconv"
	"strings"
)

// WildcardHost matches any target host in an allowed set.
const WildcardHost = "*"

// WildcardPort matches any target port in an allowed set.
const WildcardPort = 0

// PortSet is the set of permitted ports for one host. The presence of
// WildcardPort permits every port.
type PortSet map[int]struct{}

func (s PortSet) contains(port int) bool {
	if _, ok := s[WildcardPort]; ok {
		return true
	}
	_, ok := s[port]
	return ok
}

// Credential is one passphrase and its optional target restriction.
// A nil Allowed map places no restriction on targets.
type Credential struct {
	Passphrase string
	Allowed    map[string]PortSet
}

// Table maps passphrases to credentials. A nil *Table means no
// authentication is enforced.
type Table struct {
	creds map[string]*Credential
}

// New builds a table from credentials. Later duplicates win.
func New(creds ...*Credential) *Table {
	t := &Table{creds: make(map[string]*Credential, len(creds))}
	for _, c := range creds {
		t.creds[c.Passphrase] = c
	}
	return t
}

// Single builds a table holding one unrestricted shared secret.
func Single(passphrase string) *Table {
	return New(&Credential{Passphrase: passphrase})
}

// Authenticate reports whether the presented passphrase is acceptable.
// A nil table accepts anything, including an absent passphrase.
func (t *Table) Authenticate(passphrase string) bool {
	if t == nil {
		return true
	}
	_, ok := t.lookup(passphrase)
	return ok
}

// Authorize reports whether the credential behind passphrase may dial
// host:port. Credentials without an Allowed restriction may dial anything.
// Both the exact host entry and the wildcard host entry are consulted;
// within each, an exact port or the wildcard port grants access.
func (t *Table) Authorize(passphrase, host string, port int) bool {
	if t == nil {
		return true
	}
	cred, ok := t.lookup(passphrase)
	if !ok {
		return false
	}
	if cred.Allowed == nil {
		return true
	}
	if ports, ok := cred.Allowed[host]; ok && ports.contains(port) {
		return true
	}
	if ports, ok := cred.Allowed[WildcardHost]; ok && ports.contains(port) {
		return true
	}
	return false
}

// lookup finds the credential for a passphrase with a constant-time
// passphrase comparison.
func (t *Table) lookup(passphrase string) (*Credential, bool) {
	for known, cred := range t.creds {
		if len(known) == len(passphrase) &&
			subtle.ConstantTimeCompare([]byte(known), []byte(passphrase)) == 1 {
			return cred, true
		}
	}
	return nil, false
}

// ParseAllowEntry parses one "host:port" allowlist entry, where port may
// be the literal "*" meaning every port on that host. The host itself
// may be "*" for every host.
func ParseAllowEntry(entry string) (host string, port int, err error) {
	i := strings.LastIndex(entry, ":")
	if i < 0 {
		return "", 0, fmt.Errorf("allow entry %q: missing port", entry)
	}
	host, portStr := entry[:i], entry[i+1:]
	if host == "" {
		return "", 0, fmt.Errorf("allow entry %q: missing host", entry)
	}
	if portStr == "*" {
		return host, WildcardPort, nil
	}
	port, err = strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("allow entry %q: invalid port %q", entry, portStr)
	}
	return host, port, nil
}
