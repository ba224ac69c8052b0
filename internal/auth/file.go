package auth

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileEntry is one item of the credential definition file.
type fileEntry struct {
	Passphrase string   `yaml:"passphrase"`
	Allowed    []string `yaml:"allowed,omitempty"`
}

// LoadFile reads a credential definition file: a YAML list of entries,
// each with a passphrase and an optional list of "host:port" strings
// where port may be "*".
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	return Parse(data)
}

// Parse builds a table from YAML credential definitions.
func Parse(data []byte) (*Table, error) {
	var entries []fileEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse credential file: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("credential file defines no entries")
	}

	creds := make([]*Credential, 0, len(entries))
	for i, e := range entries {
		if e.Passphrase == "" {
			return nil, fmt.Errorf("credential entry %d: missing passphrase", i)
		}
		cred := &Credential{Passphrase: e.Passphrase}
		if len(e.Allowed) > 0 {
			cred.Allowed = make(map[string]PortSet, len(e.Allowed))
			for _, entry := range e.Allowed {
				host, port, err := ParseAllowEntry(entry)
				if err != nil {
					return nil, fmt.Errorf("credential entry %d: %w", i, err)
				}
				if cred.Allowed[host] == nil {
					cred.Allowed[host] = make(PortSet)
				}
				cred.Allowed[host][port] = struct{}{}
			}
		}
		creds = append(creds, cred)
	}
	return New(creds...), nil
}
