package pubkey

import (
	"context"
	"fmt"
	"sync"

	"secure_exchange/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// Directory maps an address to its current encryption public key.
	// Get returns (nil, nil) when the address has no key.
	Directory interface {
		Get(ctx context.Context, address string) (*model.PublicKeyRecord, error)
		Put(ctx context.Context, rec *model.PublicKeyRecord) error
	}

	PubKeyRepo struct {
		collection *mongo.Collection
	}

	MemoryRepo struct {
		mu   sync.RWMutex
		rows map[string]model.PublicKeyRecord
	}
)

var (
	_ Directory = (*PubKeyRepo)(nil)
	_ Directory = (*MemoryRepo)(nil)
)

func NewPubKeyRepo(db *mongo.Database) *PubKeyRepo {
	return &PubKeyRepo{
		collection: db.Collection("public_keys"),
	}
}

func (r *PubKeyRepo) Get(ctx context.Context, address string) (*model.PublicKeyRecord, error) {
	var rec model.PublicKeyRecord
	err := r.collection.FindOne(ctx, bson.M{"_id": address}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTransientIO, err)
	}
	return &rec, nil
}

// Put upserts the record. An older updated_at never overwrites a newer one.
func (r *PubKeyRepo) Put(ctx context.Context, rec *model.PublicKeyRecord) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": rec.Address, "updated_at": bson.M{"$lte": rec.UpdatedAt}},
		bson.M{"$set": bson.M{
			"encryption_public_key": rec.EncryptionPublicKey,
			"updated_at":            rec.UpdatedAt,
		}},
		options.Update().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		// a newer record exists, so the upsert collided with it
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrTransientIO, err)
	}
	return nil
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{rows: make(map[string]model.PublicKeyRecord)}
}

func (m *MemoryRepo) Get(_ context.Context, address string) (*model.PublicKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.rows[address]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryRepo) Put(_ context.Context, rec *model.PublicKeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rows[rec.Address]; ok && cur.UpdatedAt.After(rec.UpdatedAt) {
		return nil
	}
	m.rows[rec.Address] = *rec
	return nil
}
