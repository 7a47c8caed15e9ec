package groupkey

import (
	"context"
	"fmt"

	"secure_exchange/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// Store keeps one GroupKey row per (holder, owner, group). A holder has at
	// most one received row per group id.
	Store interface {
		// Get returns (nil, nil) when the holder has no key for the group.
		Get(ctx context.Context, holder, owner, groupID string) (*model.GroupKey, error)
		// Received returns the row created from shares of groupID, or (nil, nil).
		Received(ctx context.Context, holder, groupID string) (*model.GroupKey, error)
		// Create inserts key unless a conflicting row already exists; it reports
		// whether it inserted.
		Create(ctx context.Context, key *model.GroupKey) (bool, error)
		// Replace swaps the row only if its stored version is still expectedVersion.
		Replace(ctx context.Context, key *model.GroupKey, expectedVersion int) (bool, error)
	}

	GroupKeyRepo struct {
		collection *mongo.Collection
	}
)

var _ Store = (*GroupKeyRepo)(nil)

func NewGroupKeyRepo(db *mongo.Database) *GroupKeyRepo {
	return &GroupKeyRepo{
		collection: db.Collection("group_keys"),
	}
}

func (r *GroupKeyRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "holder", Value: 1}, {Key: "owner", Value: 1}, {Key: "group_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "holder", Value: 1}, {Key: "group_id", Value: 1}},
			Options: options.Index().
				SetName("received_group").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"received": true}),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrTransientIO, err)
	}
	return nil
}

func (r *GroupKeyRepo) Get(ctx context.Context, holder, owner, groupID string) (*model.GroupKey, error) {
	return r.findOne(ctx, bson.M{"holder": holder, "owner": owner, "group_id": groupID})
}

func (r *GroupKeyRepo) Received(ctx context.Context, holder, groupID string) (*model.GroupKey, error) {
	return r.findOne(ctx, bson.M{"holder": holder, "group_id": groupID, "received": true})
}

func (r *GroupKeyRepo) findOne(ctx context.Context, filter bson.M) (*model.GroupKey, error) {
	var key model.GroupKey
	err := r.collection.FindOne(ctx, filter).Decode(&key)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTransientIO, err)
	}
	return &key, nil
}

func (r *GroupKeyRepo) Create(ctx context.Context, key *model.GroupKey) (bool, error) {
	_, err := r.collection.InsertOne(ctx, key)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrTransientIO, err)
	}
	return true, nil
}

func (r *GroupKeyRepo) Replace(ctx context.Context, key *model.GroupKey, expectedVersion int) (bool, error) {
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"holder": key.Holder, "owner": key.Owner, "group_id": key.GroupID, "key_version": expectedVersion},
		bson.M{"$set": bson.M{
			"key_version":  key.KeyVersion,
			"key_material": key.KeyMaterial,
			"updated_at":   key.UpdatedAt,
			"retired":      key.Retired,
		}},
	)
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrTransientIO, err)
	}
	return res.MatchedCount == 1, nil
}
