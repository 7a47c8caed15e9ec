package groupkey

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"secure_exchange/internal/model"
	groupKeyRepo "secure_exchange/internal/repository/groupkey"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	holder  = "0x00000000000000000000000000000000000000aa"
	memberB = "0x00000000000000000000000000000000000000bb"
	memberC = "0x00000000000000000000000000000000000000cc"
	memberX = "0x00000000000000000000000000000000000000dd"
)

type sent struct {
	to        string
	dataType  model.DataType
	plaintext []byte
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	fail map[string]bool
}

func (f *fakeSender) Send(_ context.Context, to string, dt model.DataType, plaintext []byte) (*model.SendResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[to] {
		return nil, fmt.Errorf("%w: relay down", model.ErrTransientIO)
	}
	f.sent = append(f.sent, sent{to: to, dataType: dt, plaintext: plaintext})
	return &model.SendResponse{MessageID: fmt.Sprintf("m%d", len(f.sent)), RecipientAddress: to}, nil
}

func (f *fakeSender) drain() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

func newManager(addr string, sender Sender, members MembershipSource) *Manager {
	return NewManager(addr, groupKeyRepo.NewMemoryRepo(), sender, members)
}

func TestEnsureKeyIsStable(t *testing.T) {
	ctx := t.Context()
	m := newManager(holder, &fakeSender{}, StaticMembership{})

	first, err := m.EnsureKey(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, first.KeyVersion)
	assert.Len(t, first.KeyMaterial, keySize)

	again, err := m.EnsureKey(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, first.KeyVersion, again.KeyVersion)
	assert.Equal(t, first.KeyMaterial, again.KeyMaterial)

	_, err = m.EnsureKey(ctx, "")
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
}

func TestShareToMembersSkipsHolderAndExcluded(t *testing.T) {
	ctx := t.Context()
	sender := &fakeSender{fail: map[string]bool{memberC: true}}
	m := newManager(holder, sender, StaticMembership{})

	results, err := m.ShareToMembers(ctx, "g1", []string{holder, memberB, "0x00000000000000000000000000000000000000BB", memberC, memberX}, memberX)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, memberB, results[0].Member)
	assert.NoError(t, results[0].Err)
	assert.NotEmpty(t, results[0].MessageID)
	assert.Equal(t, memberC, results[1].Member)
	assert.ErrorIs(t, results[1].Err, model.ErrTransientIO)

	out := sender.drain()
	require.Len(t, out, 1)
	assert.Equal(t, memberB, out[0].to)
	assert.Equal(t, model.DataTypeGroupKeyShare, out[0].dataType)
}

func TestRotateRevokesExcludedMember(t *testing.T) {
	ctx := t.Context()
	sender := &fakeSender{}
	groups := StaticMembership{"g1": {memberB, memberC, memberX}}
	owner := newManager(holder, sender, groups)
	members := map[string]*Manager{
		memberB: newManager(memberB, &fakeSender{}, groups),
		memberC: newManager(memberC, &fakeSender{}, groups),
		memberX: newManager(memberX, &fakeSender{}, groups),
	}
	deliver := func() {
		for _, s := range sender.drain() {
			applied, err := members[s.to].HandleShare(ctx, holder, s.plaintext)
			require.NoError(t, err)
			require.True(t, applied)
		}
	}

	_, err := owner.ShareToMembers(ctx, "g1", []string{memberB, memberC, memberX}, "")
	require.NoError(t, err)
	deliver()

	before, err := owner.WrapSecret(ctx, "g1", []byte("plan key v1"))
	require.NoError(t, err)
	assert.Equal(t, 1, before.KeyVersion)

	rotated, results, err := owner.Rotate(ctx, "g1", memberX)
	require.NoError(t, err)
	assert.Equal(t, 2, rotated.KeyVersion)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NotEqual(t, memberX, r.Member)
	}
	deliver()

	after, err := owner.WrapSecret(ctx, "g1", []byte("plan key v2"))
	require.NoError(t, err)
	assert.Equal(t, 2, after.KeyVersion)

	for _, addr := range []string{memberB, memberC} {
		got, err := members[addr].UnwrapSecret(ctx, after)
		require.NoError(t, err, addr)
		assert.Equal(t, "plan key v2", string(got))

		got, err = members[addr].UnwrapSecret(ctx, before)
		require.NoError(t, err, addr)
		assert.Equal(t, "plan key v1", string(got))
	}

	_, err = members[memberX].UnwrapSecret(ctx, after)
	assert.ErrorIs(t, err, model.ErrNotFound)
	got, err := members[memberX].UnwrapSecret(ctx, before)
	require.NoError(t, err)
	assert.Equal(t, "plan key v1", string(got))

	// the owner still opens what it wrapped before rotating
	got, err = owner.UnwrapSecret(ctx, before)
	require.NoError(t, err)
	assert.Equal(t, "plan key v1", string(got))
}

func TestHandleShareIgnoresStaleVersions(t *testing.T) {
	ctx := t.Context()
	sender := &fakeSender{}
	owner := newManager(holder, sender, StaticMembership{"g1": {memberB}})
	member := newManager(memberB, &fakeSender{}, StaticMembership{})

	_, err := owner.ShareToMembers(ctx, "g1", []string{memberB}, "")
	require.NoError(t, err)
	v1 := sender.drain()[0].plaintext

	_, _, err = owner.Rotate(ctx, "g1", "")
	require.NoError(t, err)
	v2 := sender.drain()[0].plaintext

	applied, err := member.HandleShare(ctx, holder, v2)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = member.HandleShare(ctx, holder, v1)
	require.NoError(t, err)
	assert.False(t, applied, "older version must not replace newer")

	applied, err = member.HandleShare(ctx, holder, v2)
	require.NoError(t, err)
	assert.False(t, applied, "duplicate redelivery is ignored")

	key, err := member.store.Get(ctx, memberB, holder, "g1")
	require.NoError(t, err)
	assert.Equal(t, 2, key.KeyVersion)

	_, err = member.HandleShare(ctx, holder, []byte(`{"groupId":"g1","keyVersion":3,"keyMaterial":"abcd"}`))
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
}

func TestRetiredKeysArePruned(t *testing.T) {
	ctx := t.Context()
	now := time.Unix(1_700_000_000, 0)
	m := NewManager(holder, groupKeyRepo.NewMemoryRepo(), &fakeSender{}, StaticMembership{"g1": nil},
		WithRetention(48*time.Hour),
		WithClock(func() time.Time { return now }),
	)

	v1, err := m.WrapSecret(ctx, "g1", []byte("s1"))
	require.NoError(t, err)
	_, _, err = m.Rotate(ctx, "g1", "")
	require.NoError(t, err)

	now = now.Add(72 * time.Hour)
	_, _, err = m.Rotate(ctx, "g1", "")
	require.NoError(t, err)

	key, err := m.store.Get(ctx, holder, holder, "g1")
	require.NoError(t, err)
	assert.Equal(t, 3, key.KeyVersion)
	require.Len(t, key.Retired, 1)
	assert.Equal(t, 2, key.Retired[0].KeyVersion)

	_, err = m.UnwrapSecret(ctx, v1)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRotateUnknownGroup(t *testing.T) {
	m := newManager(holder, &fakeSender{}, StaticMembership{})
	_, _, err := m.Rotate(t.Context(), "missing", "")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func forgedShare(t *testing.T, groupID string, version int) []byte {
	t.Helper()
	material := make([]byte, keySize)
	for i := range material {
		material[i] = 0x42
	}
	raw, err := json.Marshal(&model.GroupKeyShare{
		GroupID:     groupID,
		KeyVersion:  version,
		KeyMaterial: hex.EncodeToString(material),
	})
	require.NoError(t, err)
	return raw
}

func TestRevokedMemberCannotInjectGroupKey(t *testing.T) {
	ctx := t.Context()
	sender := &fakeSender{}
	groups := StaticMembership{"g1": {memberB, memberX}}
	owner := newManager(holder, sender, groups)
	member := newManager(memberB, &fakeSender{}, StaticMembership{})

	_, _, err := owner.Rotate(ctx, "g1", memberX)
	require.NoError(t, err)
	for _, s := range sender.drain() {
		applied, err := member.HandleShare(ctx, holder, s.plaintext)
		require.NoError(t, err)
		require.True(t, applied)
	}

	forged := forgedShare(t, "g1", 99)

	applied, err := owner.HandleShare(ctx, memberX, forged)
	assert.False(t, applied)
	assert.ErrorIs(t, err, model.ErrSignature)

	applied, err = member.HandleShare(ctx, memberX, forged)
	assert.False(t, applied)
	assert.ErrorIs(t, err, model.ErrSignature)

	wrapped, err := owner.WrapSecret(ctx, "g1", []byte("post-rotation plan key"))
	require.NoError(t, err)
	assert.Equal(t, 2, wrapped.KeyVersion)

	got, err := member.UnwrapSecret(ctx, wrapped)
	require.NoError(t, err)
	assert.Equal(t, "post-rotation plan key", string(got))

	attacker := newManager(memberX, &fakeSender{}, StaticMembership{})
	_, err = attacker.HandleShare(ctx, memberX, forged)
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
}

func TestReceivedGroupIsBoundToOneDistributor(t *testing.T) {
	ctx := t.Context()
	m := newManager(holder, &fakeSender{}, StaticMembership{})

	own, err := m.WrapSecret(ctx, "g1", []byte("mine"))
	require.NoError(t, err)

	applied, err := m.HandleShare(ctx, memberB, forgedShare(t, "g1", 7))
	assert.False(t, applied)
	assert.ErrorIs(t, err, model.ErrSignature)

	got, err := m.UnwrapSecret(ctx, own)
	require.NoError(t, err)
	assert.Equal(t, "mine", string(got))

	applied, err = m.HandleShare(ctx, memberB, forgedShare(t, "g2", 3))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = m.HandleShare(ctx, memberC, forgedShare(t, "g2", 8))
	assert.False(t, applied)
	assert.ErrorIs(t, err, model.ErrSignature)

	received, err := m.store.Received(ctx, holder, "g2")
	require.NoError(t, err)
	require.NotNil(t, received)
	assert.Equal(t, memberB, received.Owner)
	assert.Equal(t, 3, received.KeyVersion)

	applied, err = m.HandleShare(ctx, memberB, forgedShare(t, "g2", 4))
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestPinnedDistributorRejectsFirstUnexpectedSender(t *testing.T) {
	ctx := t.Context()
	m := NewManager(memberB, groupKeyRepo.NewMemoryRepo(), &fakeSender{}, StaticMembership{},
		WithDistributors(StaticDistributors{"g1": "0x00000000000000000000000000000000000000AA"}),
	)

	applied, err := m.HandleShare(ctx, memberX, forgedShare(t, "g1", 1))
	assert.False(t, applied)
	assert.ErrorIs(t, err, model.ErrSignature)

	applied, err = m.HandleShare(ctx, holder, forgedShare(t, "g1", 1))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = m.HandleShare(ctx, memberX, forgedShare(t, "g2", 1))
	require.NoError(t, err)
	assert.True(t, applied, "groups without a pin fall back to the first distributor")
}
