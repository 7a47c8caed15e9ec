package resync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"secure_exchange/internal/model"
	"secure_exchange/internal/utils/log"
	"secure_exchange/internal/utils/metrics"

	"go.uber.org/zap"
)

const (
	DefaultCooldown = 24 * time.Hour
	ReasonRecovery  = "account_recovery"

	markerPrefix = "resync:"
)

type (
	Sender interface {
		Send(ctx context.Context, recipient string, dataType model.DataType, plaintext []byte) (*model.SendResponse, error)
	}

	// RelationshipSource lists the counterparties a principal exchanges data with.
	RelationshipSource interface {
		Counterparties(ctx context.Context, principal string) ([]model.Relationship, error)
	}

	StaticRelationships []model.Relationship

	// MarkerStore holds the per-counterparty cooldown markers. MarkIfAbsent must
	// be atomic.
	MarkerStore interface {
		MarkIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
		Release(ctx context.Context, key string) error
	}

	// Orchestrator re-announces a recovered principal to its counterparties and
	// asks data producers to reissue what can no longer be opened.
	Orchestrator struct {
		identity func() model.IdentityInfo
		sender   Sender
		rels     RelationshipSource
		markers  MarkerStore
		cooldown time.Duration
		now      func() time.Time
	}

	Report struct {
		Sent    []string
		Skipped []string
		Failed  map[string]error
	}
)

func (s StaticRelationships) Counterparties(context.Context, string) ([]model.Relationship, error) {
	return append([]model.Relationship(nil), s...), nil
}

// New builds an orchestrator. identity returns the principal's current
// user_info payload; its address names the principal.
func New(identity func() model.IdentityInfo, sender Sender, rels RelationshipSource, markers MarkerStore, cooldown time.Duration) *Orchestrator {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Orchestrator{
		identity: identity,
		sender:   sender,
		rels:     rels,
		markers:  markers,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Run fans out to every counterparty. A failure with one counterparty is logged
// and recorded in the report; it never stops the others.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	info := o.identity()
	principal := strings.ToLower(info.Address)

	rels, err := o.rels.Counterparties(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("list counterparties: %w", err)
	}
	identity, err := json.Marshal(&info)
	if err != nil {
		return nil, err
	}

	report := &Report{Failed: make(map[string]error)}
	for _, rel := range rels {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		addr := strings.ToLower(rel.Address)
		if addr == "" || addr == principal {
			continue
		}

		marker := markerPrefix + principal + ":" + addr
		fresh, err := o.markers.MarkIfAbsent(ctx, marker, o.cooldown)
		if err != nil {
			o.fail(report, addr, fmt.Errorf("%w: marker: %v", model.ErrTransientIO, err))
			continue
		}
		if !fresh {
			report.Skipped = append(report.Skipped, addr)
			metrics.Resyncs.WithLabelValues("skipped").Inc()
			continue
		}

		if err := o.resync(ctx, principal, addr, rel.Role, identity); err != nil {
			if rerr := o.markers.Release(ctx, marker); rerr != nil {
				log.Warn("release resync marker failed", zap.String("counterparty", addr), zap.Error(rerr))
			}
			o.fail(report, addr, err)
			continue
		}
		report.Sent = append(report.Sent, addr)
		metrics.Resyncs.WithLabelValues("sent").Inc()
	}

	log.Info("resync finished",
		zap.String("principal", principal),
		zap.Int("sent", len(report.Sent)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}

func (o *Orchestrator) resync(ctx context.Context, principal, addr, role string, identity []byte) error {
	if _, err := o.sender.Send(ctx, addr, model.DataTypeUserInfo, identity); err != nil {
		return fmt.Errorf("send user_info: %w", err)
	}
	if role != model.RoleProducer {
		return nil
	}
	req, err := json.Marshal(&model.ResendRequest{
		Requester:   principal,
		Reason:      ReasonRecovery,
		RequestedAt: o.now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if _, err := o.sender.Send(ctx, addr, model.DataTypePlanResendRequest, req); err != nil {
		return fmt.Errorf("send plan_resend_request: %w", err)
	}
	return nil
}

func (o *Orchestrator) fail(report *Report, addr string, err error) {
	report.Failed[addr] = err
	metrics.Resyncs.WithLabelValues("failed").Inc()
	log.Warn("resync counterparty failed", zap.String("counterparty", addr), zap.Error(err))
}
