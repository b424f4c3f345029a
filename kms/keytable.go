package kms

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/ruteri/tee-keysync/interfaces"
)

// KeyTable indexes keys by id. Parent links are resolved through the table,
// never held as references, so a corrupted hierarchy cannot form an object cycle.
type KeyTable struct {
	keys map[uuid.UUID]*interfaces.Key
}

func NewKeyTable(keys ...*interfaces.Key) *KeyTable {
	t := &KeyTable{keys: make(map[uuid.UUID]*interfaces.Key, len(keys))}
	for _, k := range keys {
		t.Add(k)
	}
	return t
}

// Add inserts or replaces a key. Nil keys are ignored.
func (t *KeyTable) Add(k *interfaces.Key) {
	if k == nil {
		return
	}
	t.keys[k.ID] = k
}

func (t *KeyTable) Get(id uuid.UUID) (*interfaces.Key, bool) {
	k, ok := t.keys[id]
	return k, ok
}

func (t *KeyTable) Len() int {
	return len(t.keys)
}

// Chain returns the key followed by its ancestors, ending at a TLK.
// It fails with ErrBrokenKeyChain if a parent is missing, a cycle is found,
// a non-TLK has no parent, a TLK has one, or the zone changes along the way.
func (t *KeyTable) Chain(id uuid.UUID) ([]*interfaces.Key, error) {
	k, ok := t.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: key %s not in table", interfaces.ErrBrokenKeyChain, id)
	}

	seen := map[uuid.UUID]bool{}
	var chain []*interfaces.Key
	for {
		if seen[k.ID] {
			return nil, fmt.Errorf("%w: cycle at key %s", interfaces.ErrBrokenKeyChain, k.ID)
		}
		seen[k.ID] = true
		chain = append(chain, k)

		parentID, hasParent := k.ParentID()
		if k.Class == interfaces.KeyClassTLK {
			if hasParent {
				return nil, fmt.Errorf("%w: tlk %s is wrapped under %s", interfaces.ErrBrokenKeyChain, k.ID, parentID)
			}
			return chain, nil
		}
		if !hasParent {
			return nil, fmt.Errorf("%w: %s key %s has no parent", interfaces.ErrBrokenKeyChain, k.Class, k.ID)
		}

		parent, ok := t.keys[parentID]
		if !ok {
			return nil, fmt.Errorf("%w: parent %s of %s missing", interfaces.ErrBrokenKeyChain, parentID, k.ID)
		}
		if parent.Zone != k.Zone {
			return nil, fmt.Errorf("%w: parent %s of %s belongs to zone %s", interfaces.ErrBrokenKeyChain, parentID, k.ID, parent.Zone)
		}
		k = parent
	}
}

// Root returns the TLK a key is ultimately wrapped under.
func (t *KeyTable) Root(id uuid.UUID) (*interfaces.Key, error) {
	chain, err := t.Chain(id)
	if err != nil {
		return nil, err
	}
	return chain[len(chain)-1], nil
}

// ValidateKeySet checks that every key of ks is present, carries its class and
// zone, and is wrapped directly under the set's TLK.
func ValidateKeySet(ks *interfaces.KeySet) error {
	if ks.TLK == nil {
		return fmt.Errorf("%w: key set of %s has no tlk", interfaces.ErrBrokenKeyChain, ks.Zone)
	}

	table := NewKeyTable(ks.TLK, ks.ClassA, ks.ClassC)
	for _, class := range interfaces.AllKeyClasses {
		k := ks.KeyFor(class)
		if k == nil {
			return fmt.Errorf("%w: key set of %s has no %s key", interfaces.ErrBrokenKeyChain, ks.Zone, class)
		}
		if k.Class != class || k.Zone != ks.Zone {
			return fmt.Errorf("%w: %s slot holds %s key of zone %s", interfaces.ErrBrokenKeyChain, class, k.Class, k.Zone)
		}
		chain, err := table.Chain(k.ID)
		if err != nil {
			return err
		}
		if root := chain[len(chain)-1]; root.ID != ks.TLK.ID {
			return fmt.Errorf("%w: %s key %s is rooted at %s, not %s", interfaces.ErrBrokenKeyChain, class, k.ID, root.ID, ks.TLK.ID)
		}
	}
	return nil
}
