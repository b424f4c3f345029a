package localstate

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/ruteri/tee-keysync/interfaces"
)

// MemoryStore is a LocalStateStore for tests and ephemeral devices.
type MemoryStore struct {
	mu        sync.Mutex
	materials map[string][]byte
	machines  map[string]interfaces.MachineSnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		materials: make(map[string][]byte),
		machines:  make(map[string]interfaces.MachineSnapshot),
	}
}

func (s *MemoryStore) LoadKeyMaterial(ctx context.Context, zone interfaces.ZoneID, keyID uuid.UUID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sealed, ok := s.materials[string(materialKey(zone, keyID))]
	if !ok {
		return nil, interfaces.ErrContentNotFound
	}
	return append([]byte(nil), sealed...), nil
}

func (s *MemoryStore) SaveKeyMaterial(ctx context.Context, zone interfaces.ZoneID, keyID uuid.UUID, sealed []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.materials[string(materialKey(zone, keyID))] = append([]byte(nil), sealed...)
	return nil
}

func (s *MemoryStore) DeleteKeyMaterial(ctx context.Context, zone interfaces.ZoneID, keyID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.materials, string(materialKey(zone, keyID)))
	return nil
}

func (s *MemoryStore) LoadMachineState(ctx context.Context, machine string) (interfaces.MachineSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.machines[machine]
	if !ok {
		return interfaces.MachineSnapshot{}, interfaces.ErrContentNotFound
	}
	return copySnapshot(snap), nil
}

func (s *MemoryStore) SaveMachineState(ctx context.Context, machine string, snapshot interfaces.MachineSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines[machine] = copySnapshot(snapshot)
	return nil
}

func copySnapshot(snap interfaces.MachineSnapshot) interfaces.MachineSnapshot {
	snap.Flags = append([]string(nil), snap.Flags...)
	if snap.Values != nil {
		values := make(map[string]string, len(snap.Values))
		for k, v := range snap.Values {
			values[k] = v
		}
		snap.Values = values
	}
	return snap
}
