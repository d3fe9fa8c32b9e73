package guard

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/torwatch/vanguard/internal/model"
	"github.com/torwatch/vanguard/internal/rendguard"
	verrors "github.com/torwatch/vanguard/pkg/errors"
)

// stateSchemaRevision is written as the first byte of every state file. A
// reader that encounters a revision it does not recognize fails with
// StateIntegrity rather than guessing at the layout (spec §9 open question:
// "self-describing format behind a version byte").
const stateSchemaRevision = 1

// onDiskState mirrors State but flattens the rendezvous tracker into plain
// fields.
type onDiskState struct {
	Layer2Nodes      []Node
	Layer3Nodes      []Node
	RendCounts       []rendguard.UseCount
	RendTotalUsed    float64
	GlobalStartCount float64
	RelayStartCount  float64
	MaxUseToBwRatio  float64
	ScaleAtCount     float64
	ChurnPct         float64
}

// Save atomically writes the state to path: encode to a temp file in the
// same directory, fsync, then rename over the destination (spec §4.C
// "Persistence" / scenario S6). The temp file is never left holding a
// partial write that could be mistaken for the real state file.
func Save(path string, s *State) error {
	disk := onDiskState{
		Layer2Nodes: s.Layer2Nodes,
		Layer3Nodes: s.Layer3Nodes,
	}
	if s.Rendezvous != nil {
		disk.GlobalStartCount = s.Rendezvous.GlobalStartCount
		disk.RelayStartCount = s.Rendezvous.RelayStartCount
		disk.MaxUseToBwRatio = s.Rendezvous.MaxUseToBwRatio
		disk.ScaleAtCount = s.Rendezvous.ScaleAtCount
		disk.ChurnPct = s.Rendezvous.ChurnPct
		disk.RendTotalUsed = s.Rendezvous.TotalUsed
		for _, uc := range s.Rendezvous.Counts {
			disk.RendCounts = append(disk.RendCounts, *uc)
		}
	}

	var buf bytes.Buffer
	buf.WriteByte(stateSchemaRevision)
	if err := gob.NewEncoder(&buf).Encode(disk); err != nil {
		return verrors.Wrap(verrors.KindStateIntegrity, "failed to encode guard state", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return verrors.Wrap(verrors.KindIO, "failed to create temp state file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return verrors.Wrap(verrors.KindIO, "failed to write temp state file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return verrors.Wrap(verrors.KindIO, "failed to fsync temp state file", err)
	}
	if err := tmp.Close(); err != nil {
		return verrors.Wrap(verrors.KindIO, "failed to close temp state file", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return verrors.Wrap(verrors.KindIO, "failed to set state file permissions", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return verrors.Wrap(verrors.KindIO, "failed to install state file", err)
	}
	return nil
}

// Load reads and validates a state file (spec §4.C "Load-time validation"):
// every fingerprint must be 40 hex characters, ChosenAt must not be more
// than an hour in the future, and ExpiresAt must not exceed 365 days from
// the validation time.
func Load(path string) (*State, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, verrors.Wrap(verrors.KindIO, "failed to read state file", err)
	}
	if len(raw) == 0 {
		return nil, verrors.StateIntegrityError("state file is empty", nil)
	}

	revision := raw[0]
	if revision != stateSchemaRevision {
		return nil, verrors.StateIntegrityError(fmt.Sprintf("unsupported state schema revision %d", revision), nil)
	}

	var disk onDiskState
	if err := gob.NewDecoder(bytes.NewReader(raw[1:])).Decode(&disk); err != nil {
		return nil, verrors.Wrap(verrors.KindStateIntegrity, "failed to decode guard state", err)
	}

	now := time.Now()
	for _, n := range append(append([]Node{}, disk.Layer2Nodes...), disk.Layer3Nodes...) {
		if err := validateNode(n, now); err != nil {
			return nil, err
		}
	}

	tracker := rendguard.New(disk.GlobalStartCount, disk.RelayStartCount, disk.MaxUseToBwRatio, disk.ScaleAtCount, disk.ChurnPct)
	tracker.TotalUsed = disk.RendTotalUsed
	for i := range disk.RendCounts {
		uc := disk.RendCounts[i]
		tracker.Counts[uc.Fingerprint] = &uc
	}

	return &State{
		SchemaRevision: int(revision),
		Layer2Nodes:    disk.Layer2Nodes,
		Layer3Nodes:    disk.Layer3Nodes,
		Rendezvous:     tracker,
	}, nil
}

func validateNode(n Node, now time.Time) error {
	if !model.IsValidFingerprint(n.Fingerprint) {
		return verrors.StateIntegrityError(fmt.Sprintf("invalid fingerprint in state file: %q", n.Fingerprint), nil)
	}
	if n.ChosenAt.After(now.Add(time.Hour)) {
		return verrors.StateIntegrityError(fmt.Sprintf("guard %s chosen-at timestamp is too far in the future", n.Fingerprint), nil)
	}
	if n.ExpiresAt.After(now.Add(365 * 24 * time.Hour)) {
		return verrors.StateIntegrityError(fmt.Sprintf("guard %s expires-at exceeds the maximum guard lifetime", n.Fingerprint), nil)
	}
	return nil
}
