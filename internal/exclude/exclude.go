// Package exclude implements the operator relay-exclusion filter (spec §4.B
// "Exclusion Set"), grounded on original_source/src/vanguards.rs's
// ExcludeNodes parsing and evaluation.
package exclude

import (
	"net"
	"strings"

	"github.com/torwatch/vanguard/internal/model"
)

// Set holds the four disjoint exclusion filters (spec §3 "Exclusion Set").
type Set struct {
	Fingerprints map[string]bool
	Nicknames    map[string]bool
	Countries    map[string]bool
	Networks     []*net.IPNet
}

// GeoIPOracle resolves a relay's address to a two-letter country code. It is
// an external collaborator (spec §4.B: "Country matching is performed only
// if a geo-IP oracle is available").
type GeoIPOracle interface {
	CountryCode(address string) (string, bool)
}

// Parse builds a Set from an operator-supplied comma-separated string
// (spec §4.B). excludeUnknown selects sentinel-country injection: "1" always
// injects "??"/"a1"; "auto" injects them only when the country set is
// otherwise non-empty; anything else injects nothing.
func Parse(raw string, excludeUnknown string) *Set {
	s := &Set{
		Fingerprints: make(map[string]bool),
		Nicknames:    make(map[string]bool),
		Countries:    make(map[string]bool),
	}

	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		s.parseToken(token)
	}

	switch excludeUnknown {
	case "1":
		s.Countries["??"] = true
		s.Countries["a1"] = true
	case "auto":
		if len(s.Countries) > 0 {
			s.Countries["??"] = true
			s.Countries["a1"] = true
		}
	}

	return s
}

func (s *Set) parseToken(token string) {
	token = strings.TrimPrefix(token, "$")

	// Strip a trailing ~name or =name qualifier.
	if idx := strings.IndexAny(token, "~="); idx >= 0 {
		token = token[:idx]
	}

	switch {
	case model.IsValidFingerprint(token):
		s.Fingerprints[model.NormalizeFingerprint(token)] = true
	case isCountryCode(token):
		s.Countries[strings.ToLower(strings.Trim(token, "{}"))] = true
	case strings.ContainsAny(token, ":."):
		s.parseNetwork(token)
	default:
		s.Nicknames[token] = true
	}
}

func isCountryCode(token string) bool {
	if !strings.HasPrefix(token, "{") || !strings.HasSuffix(token, "}") {
		return false
	}
	cc := token[1 : len(token)-1]
	return len(cc) == 2
}

func (s *Set) parseNetwork(token string) {
	if _, network, err := net.ParseCIDR(token); err == nil {
		s.Networks = append(s.Networks, network)
		return
	}

	ip := net.ParseIP(token)
	if ip == nil {
		s.Nicknames[token] = true
		return
	}

	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	s.Networks = append(s.Networks, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
}

// Excludes reports whether relay r matches any rule in the set. Country
// matching is only performed when oracle is non-nil (spec §4.B).
func (s *Set) Excludes(r *model.RelayDescriptor, oracle GeoIPOracle) bool {
	if s.Fingerprints[model.NormalizeFingerprint(r.Fingerprint)] {
		return true
	}
	if s.Nicknames[r.Nickname] {
		return true
	}
	if r.Address != "" {
		if ip := net.ParseIP(r.Address); ip != nil {
			for _, network := range s.Networks {
				if network.Contains(ip) {
					return true
				}
			}
		}
	}
	if oracle != nil && len(s.Countries) > 0 {
		if cc, ok := oracle.CountryCode(r.Address); ok && s.Countries[strings.ToLower(cc)] {
			return true
		}
	}
	return false
}
