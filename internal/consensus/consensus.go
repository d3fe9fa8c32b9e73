// Package consensus implements the Consensus Applier (spec §4.F), grounded
// on original_source/src/control.rs's new_consensus_event/consensus_update
// and get_network_statuses/parse_network_statuses.
package consensus

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/torwatch/vanguard/internal/model"
	verrors "github.com/torwatch/vanguard/pkg/errors"
)

// ConsensusFileName is the daemon's cached consensus file, relative to its
// data directory (spec §6 "Consensus file").
const ConsensusFileName = "cached-microdesc-consensus"

// ParseNetworkStatuses parses a GETINFO ns/all response into relay
// descriptors (spec §6 "GETINFO ns/all parse grammar"). Lines not matching
// the r/s/w prefixes are ignored.
func ParseNetworkStatuses(response string) ([]*model.RelayDescriptor, error) {
	var routers []*model.RelayDescriptor
	var current *model.RelayDescriptor

	scanner := bufio.NewScanner(strings.NewReader(response))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "r "):
			if current != nil {
				routers = append(routers, current)
			}
			current = parseRouterLine(line)

		case strings.HasPrefix(line, "s "):
			if current != nil {
				current.Flags = parseFlags(strings.TrimPrefix(line, "s "))
			}

		case strings.HasPrefix(line, "w "):
			if current != nil {
				applyWeightsLine(current, strings.TrimPrefix(line, "w "))
			}
		}
	}
	if current != nil {
		routers = append(routers, current)
	}
	return routers, nil
}

func parseRouterLine(line string) *model.RelayDescriptor {
	parts := strings.Fields(line)
	if len(parts) < 8 {
		return &model.RelayDescriptor{}
	}
	return &model.RelayDescriptor{
		Nickname:    parts[1],
		Fingerprint: decodeBase64Fingerprint(parts[2]),
		Address:     parts[6],
	}
}

func parseFlags(rest string) map[string]bool {
	flags := make(map[string]bool)
	for _, f := range strings.Fields(rest) {
		flags[f] = true
	}
	return flags
}

func applyWeightsLine(r *model.RelayDescriptor, rest string) {
	for _, part := range strings.Fields(rest) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "Bandwidth":
			r.Declared = v
		case "Measured":
			r.Measured = v
		}
	}
}

// decodeBase64Fingerprint converts Tor's base64 relay identity (possibly
// missing its padding, per the control-protocol convention) into the
// canonical uppercase-hex fingerprint.
func decodeBase64Fingerprint(b64 string) string {
	padded := b64
	if m := len(b64) % 4; m != 0 {
		padded += strings.Repeat("=", 4-m)
	}
	decoded, err := base64.StdEncoding.DecodeString(padded)
	if err != nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range decoded {
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}

// SortByBandwidthDescending sorts routers by measured-or-declared bandwidth,
// highest first (spec §4.F step 3).
func SortByBandwidthDescending(routers []*model.RelayDescriptor) {
	sort.SliceStable(routers, func(i, j int) bool {
		return routers[i].Bandwidth() > routers[j].Bandwidth()
	})
}

// ParseBandwidthWeights reads the bandwidth-weights line from the cached
// consensus file inside dataDir (spec §6 "Consensus file"). Only the first
// matching line is consumed; tokens after the keyword are KEY=INT64 pairs.
func ParseBandwidthWeights(dataDir string) (model.BandwidthWeights, error) {
	path := filepath.Join(dataDir, ConsensusFileName)
	f, err := os.Open(path)
	if err != nil {
		return nil, verrors.ConsensusError(fmt.Sprintf("cannot read %s", path), err)
	}
	defer f.Close()

	weights := make(model.BandwidthWeights)
	scanner := bufio.NewScanner(f)
	const maxLineSize = 1 << 20
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "bandwidth-weights ") {
			continue
		}
		for _, part := range strings.Fields(line)[1:] {
			key, value, ok := strings.Cut(part, "=")
			if !ok {
				continue
			}
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				continue
			}
			weights[key] = v
		}
		break
	}

	if len(weights) == 0 {
		return nil, verrors.ConsensusError("no bandwidth-weights found in consensus", nil)
	}
	return weights, nil
}

// FingerprintSet builds the set of fingerprints present in routers, used to
// detect guards that have fallen out of the consensus (spec §4.F step 5,
// "remove guards no longer in consensus").
func FingerprintSet(routers []*model.RelayDescriptor) map[string]bool {
	set := make(map[string]bool, len(routers))
	for _, r := range routers {
		set[model.NormalizeFingerprint(r.Fingerprint)] = true
	}
	return set
}
