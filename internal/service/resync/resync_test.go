package resync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"secure_exchange/internal/model"
	"secure_exchange/internal/protocol/replay"
	"secure_exchange/internal/service/redis"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	self     = "0x00000000000000000000000000000000000000aa"
	producer = "0x00000000000000000000000000000000000000bb"
	consumer = "0x00000000000000000000000000000000000000cc"
	flaky    = "0x00000000000000000000000000000000000000dd"
)

type call struct {
	to       string
	dataType model.DataType
	body     []byte
}

type recorder struct {
	mu    sync.Mutex
	calls []call
	down  map[string]bool
}

func (r *recorder) Send(_ context.Context, to string, dt model.DataType, body []byte) (*model.SendResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down[to] {
		return nil, fmt.Errorf("%w: connection refused", model.ErrTransientIO)
	}
	r.calls = append(r.calls, call{to: to, dataType: dt, body: body})
	return &model.SendResponse{MessageID: fmt.Sprintf("m%d", len(r.calls))}, nil
}

func (r *recorder) byRecipient() map[string][]model.DataType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]model.DataType)
	for _, c := range r.calls {
		out[c.to] = append(out[c.to], c.dataType)
	}
	return out
}

func identity() model.IdentityInfo {
	return model.IdentityInfo{Address: self, EncryptionPublicKey: "0x02ab", UpdatedAt: 1}
}

var relationships = StaticRelationships{
	{Address: producer, Role: model.RoleProducer},
	{Address: consumer, Role: model.RoleConsumer},
	{Address: flaky, Role: model.RoleConsumer},
	{Address: self, Role: model.RoleConsumer},
}

func TestRunFansOutByRole(t *testing.T) {
	rec := &recorder{down: map[string]bool{flaky: true}}
	o := New(identity, rec, relationships, replay.NewMemoryStore(), 0)

	report, err := o.Run(t.Context())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{producer, consumer}, report.Sent)
	assert.Empty(t, report.Skipped)
	require.Contains(t, report.Failed, flaky)
	assert.ErrorIs(t, report.Failed[flaky], model.ErrTransientIO)

	sent := rec.byRecipient()
	assert.Equal(t, []model.DataType{model.DataTypeUserInfo, model.DataTypePlanResendRequest}, sent[producer])
	assert.Equal(t, []model.DataType{model.DataTypeUserInfo}, sent[consumer])
	assert.NotContains(t, sent, self)

	var info model.IdentityInfo
	require.NoError(t, json.Unmarshal(rec.calls[0].body, &info))
	assert.Equal(t, self, info.Address)
	var resend model.ResendRequest
	require.NoError(t, json.Unmarshal(rec.calls[1].body, &resend))
	assert.Equal(t, self, resend.Requester)
	assert.Equal(t, ReasonRecovery, resend.Reason)
}

func TestCooldownSkipsAndFailureReleases(t *testing.T) {
	ctx := t.Context()
	mr := miniredis.RunT(t)
	markers := redis.NewRedis(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	rec := &recorder{down: map[string]bool{flaky: true}}
	o := New(identity, rec, relationships, markers, 24*time.Hour)

	_, err := o.Run(ctx)
	require.NoError(t, err)

	// flaky came back; the others are still cooling down
	rec.mu.Lock()
	rec.down = nil
	rec.mu.Unlock()
	report, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{flaky}, report.Sent)
	assert.ElementsMatch(t, []string{producer, consumer}, report.Skipped)
	assert.Empty(t, report.Failed)

	mr.FastForward(25 * time.Hour)
	report, err = o.Run(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{producer, consumer, flaky}, report.Sent)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	o := New(identity, &recorder{}, relationships, replay.NewMemoryStore(), 0)

	report, err := o.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Sent)
}
