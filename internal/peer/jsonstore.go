package peer

import (
	"encoding/json"
	"fmt"
	"os"
)

// JSONStore is a flat-file Store: the entire peer population is
// (de)serialized as one JSON array on each Load/Save. Explicitly
// ambient persistence (spec §1), not a core component — no example
// repo in the pack reaches for a database or KV library for a
// bounded, dozens-of-entries peer list, so this follows the teacher's
// general "plain stdlib where the task is this small" register rather
// than introducing a storage dependency with nothing to justify it.
type JSONStore struct {
	Path string
}

func NewJSONStore(path string) *JSONStore {
	return &JSONStore{Path: path}
}

type peerRecord struct {
	Address             Address
	SerialNumber        string
	ID                  uint64
	MessageCounter      uint8
	GeneralCounter      uint8
	AESKeyIndex         uint8
	AESChannels         map[uint8]bool
	PhysicalInterfaceID string
	RemoteChannel       uint8
	Team                TeamInfo
}

// LoadPeers reads the store file, returning an empty slice (not an
// error) if it does not yet exist.
func (s *JSONStore) LoadPeers() ([]*Peer, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading peer store %s: %w", s.Path, err)
	}

	var records []peerRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing peer store %s: %w", s.Path, err)
	}

	peers := make([]*Peer, 0, len(records))
	for _, r := range records {
		p := New(r.Address, r.PhysicalInterfaceID)
		p.SerialNumber = r.SerialNumber
		p.ID = r.ID
		p.MessageCounter = r.MessageCounter
		p.GeneralCounter = r.GeneralCounter
		p.AESKeyIndex = r.AESKeyIndex
		p.RemoteChannel = r.RemoteChannel
		p.Team = r.Team
		for ch := range r.AESChannels {
			p.AESChannels[ch] = true
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// SavePeers atomically overwrites the store file with peers' current
// persisted state: one JSON record per peer holding its address,
// serial number, ID, AES key index and channels, physical interface,
// message and general counters, remote channel and team. The SaveSlot
// numbering is not used; everything else is runtime-only and rebuilt
// from the radio on the next pairing/reception.
func (s *JSONStore) SavePeers(peers []*Peer) error {
	records := make([]peerRecord, 0, len(peers))
	for _, p := range peers {
		p.mu.RLock()
		records = append(records, peerRecord{
			Address:             p.Address,
			SerialNumber:        p.SerialNumber,
			ID:                  p.ID,
			MessageCounter:      p.MessageCounter,
			GeneralCounter:      p.GeneralCounter,
			AESKeyIndex:         p.AESKeyIndex,
			AESChannels:         copyAESChannels(p.AESChannels),
			PhysicalInterfaceID: p.PhysicalInterfaceID,
			RemoteChannel:       p.RemoteChannel,
			Team:                p.Team,
		})
		p.mu.RUnlock()
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding peer store: %w", err)
	}

	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing peer store %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return fmt.Errorf("installing peer store %s: %w", s.Path, err)
	}
	return nil
}

func copyAESChannels(m map[uint8]bool) map[uint8]bool {
	out := make(map[uint8]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
