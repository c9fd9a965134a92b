package mgo

import (
	"context"

	"PPSync/module/chat/model"
	"PPSync/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const messagesCollection = "messages"

type messageDoc struct {
	model.Message `bson:",inline"`
	ClientID      string `bson:"client_id,omitempty"`
}

// CollectionFunc resolves the collection at call time so a reconnecting manager
// can swap the client underneath.
type CollectionFunc func() (*mongo.Collection, error)

// FromManager resolves the messages collection of m.
func FromManager(m *MongoManager) CollectionFunc {
	return func() (*mongo.Collection, error) {
		db, ok := m.TryGetDB()
		if !ok {
			return nil, errs.ErrTransient.WrapMsg("mongo not connected")
		}
		return db.Collection(messagesCollection), nil
	}
}

// Static always returns coll.
func Static(coll *mongo.Collection) CollectionFunc {
	return func() (*mongo.Collection, error) { return coll, nil }
}

// Messages stores conversation messages.
type Messages struct {
	coll CollectionFunc
}

func NewMessages(coll CollectionFunc) *Messages { return &Messages{coll: coll} }

// EnsureIndexes creates the listing index and the client id uniqueness index.
func (s *Messages) EnsureIndexes(ctx context.Context) error {
	coll, err := s.coll()
	if err != nil {
		return err
	}
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{
			Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "sender_id", Value: 1}, {Key: "client_id", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"client_id": bson.M{"$exists": true}}),
		},
	})
	return errs.WrapMsg(err, "create message indexes")
}

// Save inserts m. A retried send carrying the same client id returns the message
// stored by the first attempt.
func (s *Messages) Save(ctx context.Context, m model.Message, clientID string) (model.Message, error) {
	coll, err := s.coll()
	if err != nil {
		return model.Message{}, err
	}
	_, err = coll.InsertOne(ctx, messageDoc{Message: m, ClientID: clientID})
	if err == nil {
		return m, nil
	}
	if !mongo.IsDuplicateKeyError(err) || clientID == "" {
		return model.Message{}, errs.WrapMsg(err, "insert message", "id", m.ID)
	}
	var prev messageDoc
	err = coll.FindOne(ctx, bson.M{
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"client_id":       clientID,
	}).Decode(&prev)
	if err != nil {
		return model.Message{}, errs.WrapMsg(err, "load deduplicated message", "clientId", clientID)
	}
	return prev.Message, nil
}

// Recent returns the newest limit messages of a conversation, oldest first.
func (s *Messages) Recent(ctx context.Context, conversationID string, limit int64) ([]model.Message, error) {
	coll, err := s.coll()
	if err != nil {
		return nil, err
	}
	cur, err := coll.Find(ctx, bson.M{"conversation_id": conversationID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit))
	if err != nil {
		return nil, errs.WrapMsg(err, "find messages", "conversation", conversationID)
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errs.WrapMsg(err, "decode messages", "conversation", conversationID)
	}
	out := make([]model.Message, len(docs))
	for i, d := range docs {
		out[len(docs)-1-i] = d.Message
	}
	return out, nil
}

// Get loads one message.
func (s *Messages) Get(ctx context.Context, conversationID, id string) (model.Message, error) {
	coll, err := s.coll()
	if err != nil {
		return model.Message{}, err
	}
	var d messageDoc
	err = coll.FindOne(ctx, bson.M{"_id": id, "conversation_id": conversationID}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return model.Message{}, errs.ErrNotFound.WrapMsg("message", "id", id)
	}
	if err != nil {
		return model.Message{}, errs.WrapMsg(err, "find message", "id", id)
	}
	return d.Message, nil
}
