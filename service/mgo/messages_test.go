package mgo

import (
	"context"
	"errors"
	"testing"
	"time"

	"PPSync/module/chat/model"
	"PPSync/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func doc(id string, at time.Time) bson.D {
	return bson.D{
		{Key: "_id", Value: id},
		{Key: "conversation_id", Value: "c1"},
		{Key: "sender_id", Value: "a"},
		{Key: "content", Value: "hi " + id},
		{Key: "created_at", Value: primitive.NewDateTimeFromTime(at)},
	}
}

func TestMessages(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ns := "db." + messagesCollection

	mt.Run("save", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		s := NewMessages(Static(mt.Coll))

		m := model.Message{ID: "m-1", ConversationID: "c1", SenderID: "a", Content: "hi", CreatedAt: at}
		got, err := s.Save(context.Background(), m, "temp-1")
		require.NoError(t, err)
		assert.Equal(t, "m-1", got.ID)
	})

	mt.Run("save retried by client id", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "duplicate key"}),
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, doc("m-1", at)),
		)
		s := NewMessages(Static(mt.Coll))

		m := model.Message{ID: "m-2", ConversationID: "c1", SenderID: "a", Content: "hi m-1", CreatedAt: at}
		got, err := s.Save(context.Background(), m, "temp-1")
		require.NoError(t, err)
		assert.Equal(t, "m-1", got.ID)
	})

	mt.Run("recent is oldest first", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
			doc("m-2", at.Add(time.Second)), doc("m-1", at)))
		s := NewMessages(Static(mt.Coll))

		list, err := s.Recent(context.Background(), "c1", 50)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "m-1", list[0].ID)
		assert.Equal(t, "m-2", list[1].ID)
		assert.True(t, at.Equal(list[0].CreatedAt))
	})

	mt.Run("get missing", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))
		s := NewMessages(Static(mt.Coll))

		_, err := s.Get(context.Background(), "c1", "nope")
		assert.True(t, errors.Is(err, errs.ErrNotFound))
	})
}

func TestConfigDefaults(t *testing.T) {
	c := Config{Address: []string{"localhost:27017"}, Database: "ppsync", Username: "u", Password: "p"}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, "mongodb://u:p@localhost:27017/ppsync?authSource=ppsync&maxPoolSize=100", c.Uri)
	assert.Equal(t, defaultMaxRetry, c.MaxRetry)

	bad := Config{Database: "x"}
	assert.True(t, errors.Is(bad.ValidateAndSetDefaults(), errs.ErrInvalidArgument))
}

func TestManagerNotReady(t *testing.T) {
	m := NewManager(Config{}, nil)
	_, ok := m.TryGetDB()
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, m.WaitReady(ctx))

	_, err := NewMessages(FromManager(m)).Recent(context.Background(), "c1", 10)
	assert.True(t, errors.Is(err, errs.ErrTransient))
}
