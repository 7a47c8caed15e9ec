package groupkey

import (
	"context"
	"sync"

	"secure_exchange/internal/model"
)

type MemoryRepo struct {
	mu   sync.Mutex
	rows map[string]*model.GroupKey
}

var _ Store = (*MemoryRepo)(nil)

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{rows: make(map[string]*model.GroupKey)}
}

func rowKey(holder, owner, groupID string) string {
	return holder + "|" + owner + "|" + groupID
}

func copyKey(k *model.GroupKey) *model.GroupKey {
	c := *k
	c.KeyMaterial = append([]byte(nil), k.KeyMaterial...)
	c.Retired = append([]model.RetiredKey(nil), k.Retired...)
	return &c
}

func (m *MemoryRepo) Get(_ context.Context, holder, owner, groupID string) (*model.GroupKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.rows[rowKey(holder, owner, groupID)]
	if !ok {
		return nil, nil
	}
	return copyKey(k), nil
}

func (m *MemoryRepo) Received(_ context.Context, holder, groupID string) (*model.GroupKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k := m.received(holder, groupID); k != nil {
		return copyKey(k), nil
	}
	return nil, nil
}

func (m *MemoryRepo) received(holder, groupID string) *model.GroupKey {
	for _, k := range m.rows {
		if k.Received && k.Holder == holder && k.GroupID == groupID {
			return k
		}
	}
	return nil
}

func (m *MemoryRepo) Create(_ context.Context, key *model.GroupKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := rowKey(key.Holder, key.Owner, key.GroupID)
	if _, ok := m.rows[id]; ok {
		return false, nil
	}
	if key.Received && m.received(key.Holder, key.GroupID) != nil {
		return false, nil
	}
	m.rows[id] = copyKey(key)
	return true, nil
}

func (m *MemoryRepo) Replace(_ context.Context, key *model.GroupKey, expectedVersion int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := rowKey(key.Holder, key.Owner, key.GroupID)
	cur, ok := m.rows[id]
	if !ok || cur.KeyVersion != expectedVersion {
		return false, nil
	}
	m.rows[id] = copyKey(key)
	return true, nil
}
