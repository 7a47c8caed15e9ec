package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"secure_exchange/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	MessageRepo struct {
		collection *mongo.Collection
	}
)

var _ Store = (*MessageRepo)(nil)

var open = bson.A{model.StatusPending, model.StatusDelivered}

func NewMessageRepo(db *mongo.Database) *MessageRepo {
	return &MessageRepo{
		collection: db.Collection("envelopes"),
	}
}

func (r *MessageRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "recipient_address", Value: 1}, {Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
		{Keys: bson.D{{Key: "expires_at", Value: 1}}},
	})
	return wrap(err)
}

func (r *MessageRepo) Create(ctx context.Context, env *model.Envelope) error {
	_, err := r.collection.InsertOne(ctx, env)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: duplicate message id %s", model.ErrInvalidRequest, env.MessageID)
	}
	return wrap(err)
}

func (r *MessageRepo) Get(ctx context.Context, messageID string) (*model.Envelope, error) {
	var env model.Envelope
	err := r.collection.FindOne(ctx, bson.M{"_id": messageID}).Decode(&env)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("message %s: %w", messageID, model.ErrNotFound)
	}
	if err != nil {
		return nil, wrap(err)
	}
	return &env, nil
}

func (r *MessageRepo) ListPending(ctx context.Context, recipient string, dataType model.DataType, limit int, now time.Time) ([]*model.Envelope, error) {
	filter := bson.M{
		"recipient_address": recipient,
		"status":            bson.M{"$in": open},
		"expires_at":        bson.M{"$gt": now},
	}
	if dataType != "" {
		filter["data_type"] = dataType
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, wrap(err)
	}
	defer cur.Close(ctx)

	res := make([]*model.Envelope, 0)
	if err := cur.All(ctx, &res); err != nil {
		return nil, wrap(err)
	}
	return res, nil
}

func (r *MessageRepo) MarkDelivered(ctx context.Context, recipient string, messageIDs []string, now time.Time) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := r.collection.UpdateMany(ctx,
		bson.M{
			"_id":               bson.M{"$in": messageIDs},
			"recipient_address": recipient,
			"status":            model.StatusPending,
		},
		bson.M{"$set": bson.M{"status": model.StatusDelivered, "delivered_at": now}},
	)
	return wrap(err)
}

func (r *MessageRepo) MarkAcknowledged(ctx context.Context, recipient, messageID, ackStatus, errorMessage string, now time.Time) (*model.Envelope, error) {
	filter := bson.M{
		"_id":               messageID,
		"recipient_address": recipient,
		"status":            bson.M{"$in": open},
		"expires_at":        bson.M{"$gt": now},
	}
	update := bson.M{"$set": bson.M{
		"status":        model.StatusAcknowledged,
		"ack_status":    ackStatus,
		"error_message": errorMessage,
		"read_at":       now,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var env model.Envelope
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&env)
	if err == nil {
		return &env, nil
	}
	if err != mongo.ErrNoDocuments {
		return nil, wrap(err)
	}

	// Nothing transitioned: either already acknowledged, expired, or not ours.
	err = r.collection.FindOne(ctx, bson.M{"_id": messageID, "recipient_address": recipient}).Decode(&env)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("message %s: %w", messageID, model.ErrNotFound)
	}
	if err != nil {
		return nil, wrap(err)
	}
	if env.Status == model.StatusAcknowledged {
		return &env, nil
	}
	return nil, fmt.Errorf("%w: message %s is %s", model.ErrInvalidTransition, messageID, model.StatusExpired)
}

func (r *MessageRepo) SweepExpired(ctx context.Context, now, purgeBefore time.Time) (int64, int64, error) {
	upd, err := r.collection.UpdateMany(ctx,
		bson.M{"status": bson.M{"$in": open}, "expires_at": bson.M{"$lte": now}},
		bson.M{"$set": bson.M{"status": model.StatusExpired}},
	)
	if err != nil {
		return 0, 0, wrap(err)
	}
	del, err := r.collection.DeleteMany(ctx, bson.M{
		"status":     bson.M{"$in": bson.A{model.StatusAcknowledged, model.StatusExpired}},
		"expires_at": bson.M{"$lte": purgeBefore},
	})
	if err != nil {
		return upd.ModifiedCount, 0, wrap(err)
	}
	return upd.ModifiedCount, del.DeletedCount, nil
}

// wrap marks driver failures as transient so callers may retry them.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", model.ErrTransientIO, err)
}
