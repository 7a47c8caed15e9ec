package groupkey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"secure_exchange/internal/cryptographic/encryption"
	"secure_exchange/internal/model"
	groupKeyRepo "secure_exchange/internal/repository/groupkey"
	"secure_exchange/internal/utils/log"
	"secure_exchange/internal/utils/metrics"

	"go.uber.org/zap"
)

const (
	keySize          = 32
	maxCASAttempts   = 3
	defaultRetention = 30 * 24 * time.Hour
)

type (
	// Sender delivers a plaintext to one recipient over the pairwise channel.
	Sender interface {
		Send(ctx context.Context, recipient string, dataType model.DataType, plaintext []byte) (*model.SendResponse, error)
	}

	MembershipSource interface {
		Members(ctx context.Context, groupID string) ([]string, error)
	}

	// StaticMembership maps a group id to its member addresses.
	StaticMembership map[string][]string

	// DistributorSource names the address allowed to share a received group's key.
	// An empty answer leaves the group to the first distributor seen.
	DistributorSource interface {
		Distributor(ctx context.Context, groupID string) (string, error)
	}

	// StaticDistributors maps a received group id to its distributor.
	StaticDistributors map[string]string

	// Manager keeps the holder's active key per group and distributes it.
	Manager struct {
		holder    string
		store     groupKeyRepo.Store
		sender    Sender
		members   MembershipSource
		pinned    DistributorSource
		retention time.Duration
		now       func() time.Time
		rand      io.Reader
	}

	Option func(*Manager)

	ShareResult struct {
		Member    string
		MessageID string
		Err       error
	}
)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithRetention sets how long retired versions stay usable. Zero keeps the default.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithDistributors pins received groups to known distributors.
func WithDistributors(src DistributorSource) Option {
	return func(m *Manager) { m.pinned = src }
}

func (s StaticDistributors) Distributor(_ context.Context, groupID string) (string, error) {
	return strings.ToLower(s[groupID]), nil
}

func (s StaticMembership) Members(_ context.Context, groupID string) ([]string, error) {
	members, ok := s[groupID]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", groupID, model.ErrNotFound)
	}
	return append([]string(nil), members...), nil
}

func NewManager(holder string, store groupKeyRepo.Store, sender Sender, members MembershipSource, opts ...Option) *Manager {
	m := &Manager{
		holder:    strings.ToLower(holder),
		store:     store,
		sender:    sender,
		members:   members,
		retention: defaultRetention,
		now:       time.Now,
		rand:      rand.Reader,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) newMaterial() ([]byte, error) {
	b := make([]byte, keySize)
	if _, err := io.ReadFull(m.rand, b); err != nil {
		return nil, fmt.Errorf("generate group key: %w", err)
	}
	return b, nil
}

// EnsureKey returns the current key of groupID, creating version 1 when the
// holder has none. An existing key is never regenerated.
func (m *Manager) EnsureKey(ctx context.Context, groupID string) (*model.GroupKey, error) {
	if groupID == "" {
		return nil, fmt.Errorf("%w: group id required", model.ErrInvalidRequest)
	}
	key, err := m.store.Get(ctx, m.holder, m.holder, groupID)
	if err != nil || key != nil {
		return key, err
	}

	material, err := m.newMaterial()
	if err != nil {
		return nil, err
	}
	key = &model.GroupKey{
		Holder:      m.holder,
		Owner:       m.holder,
		GroupID:     groupID,
		KeyVersion:  1,
		KeyMaterial: material,
		UpdatedAt:   m.now().UTC(),
	}
	created, err := m.store.Create(ctx, key)
	if err != nil {
		return nil, err
	}
	if !created {
		// lost a race with another writer, use theirs
		return m.store.Get(ctx, m.holder, m.holder, groupID)
	}
	log.Info("group key created", zap.String("groupId", groupID))
	return key, nil
}

// ShareToMembers sends the current key to every member except exclude and the
// holder itself. Resending a version a member already has is harmless.
func (m *Manager) ShareToMembers(ctx context.Context, groupID string, members []string, exclude string) ([]ShareResult, error) {
	key, err := m.EnsureKey(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return m.share(ctx, key, members, exclude)
}

func (m *Manager) share(ctx context.Context, key *model.GroupKey, members []string, exclude string) ([]ShareResult, error) {
	payload, err := json.Marshal(&model.GroupKeyShare{
		GroupID:     key.GroupID,
		KeyVersion:  key.KeyVersion,
		KeyMaterial: hex.EncodeToString(key.KeyMaterial),
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(members))
	results := make([]ShareResult, 0, len(members))
	for _, member := range members {
		member = strings.ToLower(strings.TrimSpace(member))
		if member == "" || member == m.holder || strings.EqualFold(member, exclude) || seen[member] {
			continue
		}
		seen[member] = true
		if err := ctx.Err(); err != nil {
			return results, err
		}

		res := ShareResult{Member: member}
		resp, err := m.sender.Send(ctx, member, model.DataTypeGroupKeyShare, payload)
		if err != nil {
			res.Err = err
			metrics.KeyShares.WithLabelValues("failed").Inc()
			log.Warn("group key share failed",
				zap.String("groupId", key.GroupID),
				zap.Int("keyVersion", key.KeyVersion),
				zap.String("member", member),
				zap.Error(err),
			)
		} else {
			res.MessageID = resp.MessageID
			metrics.KeyShares.WithLabelValues("sent").Inc()
		}
		results = append(results, res)
	}
	return results, nil
}

// Rotate replaces the active key with a new version and shares it with the
// current members except exclude. The local key is committed before any share
// is sent and is not rolled back if sharing fails or is cancelled.
func (m *Manager) Rotate(ctx context.Context, groupID, exclude string) (*model.GroupKey, []ShareResult, error) {
	members, err := m.members.Members(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}

	var next *model.GroupKey
	for attempt := 0; attempt < maxCASAttempts && next == nil; attempt++ {
		cur, err := m.EnsureKey(ctx, groupID)
		if err != nil {
			return nil, nil, err
		}
		material, err := m.newMaterial()
		if err != nil {
			return nil, nil, err
		}
		candidate := m.successor(cur, cur.KeyVersion+1, material)
		ok, err := m.store.Replace(ctx, candidate, cur.KeyVersion)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			next = candidate
		}
	}
	if next == nil {
		return nil, nil, fmt.Errorf("%w: group %s changed concurrently", model.ErrTransientIO, groupID)
	}

	metrics.GroupKeyRotations.Inc()
	log.Info("group key rotated",
		zap.String("groupId", groupID),
		zap.Int("keyVersion", next.KeyVersion),
		zap.String("excluded", strings.ToLower(exclude)),
	)
	results, err := m.share(ctx, next, members, exclude)
	return next, results, err
}

// successor builds the row that follows cur, moving cur's material into the
// retired list and dropping retired versions past retention.
func (m *Manager) successor(cur *model.GroupKey, version int, material []byte) *model.GroupKey {
	now := m.now().UTC()
	cutoff := now.Add(-m.retention)

	retired := make([]model.RetiredKey, 0, len(cur.Retired)+1)
	for _, r := range cur.Retired {
		if r.RetiredAt.After(cutoff) && r.KeyVersion != version {
			retired = append(retired, r)
		}
	}
	retired = append(retired, model.RetiredKey{
		KeyVersion:  cur.KeyVersion,
		KeyMaterial: cur.KeyMaterial,
		RetiredAt:   now,
	})
	return &model.GroupKey{
		Holder:      m.holder,
		Owner:       cur.Owner,
		GroupID:     cur.GroupID,
		Received:    cur.Received,
		KeyVersion:  version,
		KeyMaterial: material,
		UpdatedAt:   now,
		Retired:     retired,
	}
}

// HandleShare applies a received group_key_share. A received group is bound to
// one distributor: the pinned one when configured, otherwise the first sender
// seen. Shares from anyone else are rejected, as are shares for a group id the
// holder runs itself. Only a strictly newer version replaces the local key; stale
// or duplicated shares are ignored.
func (m *Manager) HandleShare(ctx context.Context, from string, plaintext []byte) (bool, error) {
	var share model.GroupKeyShare
	if err := json.Unmarshal(plaintext, &share); err != nil {
		return false, fmt.Errorf("%w: group key share: %v", model.ErrInvalidRequest, err)
	}
	material, err := hex.DecodeString(share.KeyMaterial)
	if err != nil || len(material) != keySize {
		return false, fmt.Errorf("%w: group key share material", model.ErrInvalidRequest)
	}
	if share.GroupID == "" || share.KeyVersion < 1 {
		return false, fmt.Errorf("%w: group key share header", model.ErrInvalidRequest)
	}
	from = strings.ToLower(strings.TrimSpace(from))
	if from == "" || from == m.holder {
		return false, fmt.Errorf("%w: group key share from %q", model.ErrInvalidRequest, from)
	}
	if err := m.checkPinned(ctx, from, share); err != nil {
		return false, err
	}
	own, err := m.store.Get(ctx, m.holder, m.holder, share.GroupID)
	if err != nil {
		return false, err
	}
	if own != nil {
		return false, m.rejectShare(from, m.holder, share)
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := m.store.Received(ctx, m.holder, share.GroupID)
		if err != nil {
			return false, err
		}
		if cur == nil {
			created, err := m.store.Create(ctx, &model.GroupKey{
				Holder:      m.holder,
				Owner:       from,
				GroupID:     share.GroupID,
				Received:    true,
				KeyVersion:  share.KeyVersion,
				KeyMaterial: material,
				UpdatedAt:   m.now().UTC(),
			})
			if err != nil {
				return false, err
			}
			if created {
				m.logShare(from, share, true)
				return true, nil
			}
			continue
		}
		if cur.Owner != from {
			return false, m.rejectShare(from, cur.Owner, share)
		}
		if share.KeyVersion <= cur.KeyVersion {
			m.logShare(from, share, false)
			return false, nil
		}
		ok, err := m.store.Replace(ctx, m.successor(cur, share.KeyVersion, material), cur.KeyVersion)
		if err != nil {
			return false, err
		}
		if ok {
			m.logShare(from, share, true)
			return true, nil
		}
	}
	return false, fmt.Errorf("%w: group %s changed concurrently", model.ErrTransientIO, share.GroupID)
}

func (m *Manager) checkPinned(ctx context.Context, from string, share model.GroupKeyShare) error {
	if m.pinned == nil {
		return nil
	}
	want, err := m.pinned.Distributor(ctx, share.GroupID)
	if err != nil {
		return err
	}
	if want != "" && want != from {
		return m.rejectShare(from, want, share)
	}
	return nil
}

func (m *Manager) rejectShare(from, distributor string, share model.GroupKeyShare) error {
	err := fmt.Errorf("%w: group %s is distributed by %s", model.ErrSignature, share.GroupID, distributor)
	metrics.KeyShares.WithLabelValues("rejected").Inc()
	log.Security("group key share from unexpected sender", err,
		zap.String("from", from),
		zap.String("groupId", share.GroupID),
		zap.Int("keyVersion", share.KeyVersion),
	)
	return err
}

func (m *Manager) logShare(from string, share model.GroupKeyShare, applied bool) {
	log.Debug("group key share received",
		zap.String("from", strings.ToLower(from)),
		zap.String("groupId", share.GroupID),
		zap.Int("keyVersion", share.KeyVersion),
		zap.Bool("applied", applied),
	)
}

// Handler adapts HandleShare to the inbox.
func (m *Manager) Handler() func(ctx context.Context, env *model.Envelope, plaintext []byte) error {
	return func(ctx context.Context, env *model.Envelope, plaintext []byte) error {
		_, err := m.HandleShare(ctx, env.SenderAddress, plaintext)
		return err
	}
}

// WrapSecret encrypts secret under the current group key.
func (m *Manager) WrapSecret(ctx context.Context, groupID string, secret []byte) (*model.WrappedSecret, error) {
	key, err := m.EnsureKey(ctx, groupID)
	if err != nil {
		return nil, err
	}
	ct, err := encryption.Encrypt(key.KeyMaterial, secret)
	if err != nil {
		return nil, err
	}
	return &model.WrappedSecret{Owner: m.holder, GroupID: groupID, KeyVersion: key.KeyVersion, Ciphertext: ct}, nil
}

// UnwrapSecret opens w with the key version it names, current or retained.
// An empty owner means a group the holder runs itself.
func (m *Manager) UnwrapSecret(ctx context.Context, w *model.WrappedSecret) ([]byte, error) {
	owner := strings.ToLower(w.Owner)
	if owner == "" {
		owner = m.holder
	}
	key, err := m.store.Get(ctx, m.holder, owner, w.GroupID)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("group %s: %w", w.GroupID, model.ErrNotFound)
	}
	material, ok := key.Material(w.KeyVersion)
	if !ok {
		return nil, fmt.Errorf("group %s key version %d: %w", w.GroupID, w.KeyVersion, model.ErrNotFound)
	}
	return encryption.Decrypt(material, w.Ciphertext)
}
