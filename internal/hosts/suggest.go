package hosts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"
)

// Suggestion is a host found in an OpenSSH client config that can be
// offered to the user as a starting point for Add.
type Suggestion struct {
	Name         string `json:"name"`
	Hostname     string `json:"hostname"`
	Port         int    `json:"port"`
	Username     string `json:"username,omitempty"`
	IdentityFile string `json:"identity_file,omitempty"`
	// Managed is set when a host with the same endpoint is already registered.
	Managed bool `json:"managed"`
}

// ParseSSHConfig lists the concrete Host entries of an ssh_config document.
// Wildcard and negated patterns only contribute defaults.
func ParseSSHConfig(r io.Reader) ([]Suggestion, error) {
	cfg, err := ssh_config.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("parse ssh config: %w", err)
	}

	seen := make(map[string]bool)
	var out []Suggestion
	for _, host := range cfg.Hosts {
		for _, pattern := range host.Patterns {
			alias := pattern.String()
			if alias == "" || strings.ContainsAny(alias, "*?!") || seen[alias] {
				continue
			}
			seen[alias] = true

			sug := Suggestion{Name: alias, Hostname: alias, Port: defaultPort}
			if v, _ := cfg.Get(alias, "HostName"); v != "" {
				sug.Hostname = v
			}
			if v, _ := cfg.Get(alias, "Port"); v != "" {
				if p, err := strconv.Atoi(v); err == nil && p > 0 && p <= 65535 {
					sug.Port = p
				}
			}
			sug.Username, _ = cfg.Get(alias, "User")
			sug.IdentityFile, _ = cfg.Get(alias, "IdentityFile")
			out = append(out, sug)
		}
	}
	return out, nil
}

// Suggestions reads the configured ssh_config file and marks entries whose
// endpoint is already managed. A missing file yields an empty list.
func (s *Service) Suggestions(ctx context.Context) ([]Suggestion, error) {
	out := []Suggestion{}
	if s.sshConfigPath == "" {
		return out, nil
	}
	f, err := os.Open(s.sshConfigPath)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ssh config: %w", err)
	}
	defer f.Close()

	parsed, err := ParseSSHConfig(f)
	if err != nil {
		return nil, err
	}

	existing, err := s.cache.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	managed := make(map[string]bool, len(existing))
	for _, h := range existing {
		managed[endpointKey(h.Hostname, h.Port)] = true
	}
	for i := range parsed {
		parsed[i].Managed = managed[endpointKey(parsed[i].Hostname, parsed[i].Port)]
	}
	return append(out, parsed...), nil
}

func endpointKey(hostname string, port int) string {
	return strings.ToLower(hostname) + ":" + strconv.Itoa(port)
}
