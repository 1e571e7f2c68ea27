package devserver

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"socialchat/pkg/protocol"
	"socialchat/pkg/testhelpers"
)

func TestPostgresSaveMessage_DeduplicatesLocalID(t *testing.T) {
	pool := testhelpers.NewTestPool(t)
	store := NewPostgresMessageStore(pool)
	ctx := context.Background()
	conv := testhelpers.NewConversationID()

	msg := protocol.ServerMessage{
		ID:             uuid.NewString(),
		LocalID:        "local-1",
		ConversationID: conv,
		SenderID:       "alice",
		Kind:           "gif",
		Media:          &protocol.Media{URL: "http://cdn/a.gif", Width: 10, Height: 20},
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
	}
	saved, created, err := store.SaveMessage(ctx, msg)
	require.NoError(t, err)
	require.True(t, created)

	retry := msg
	retry.ID = uuid.NewString()
	again, created, err := store.SaveMessage(ctx, retry)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, saved.ID, again.ID)
	require.Equal(t, msg.Media, again.Media)
}

func TestPostgresHistory_PagesNewestFirstWithReactionsAndReads(t *testing.T) {
	pool := testhelpers.NewTestPool(t)
	store := NewPostgresMessageStore(pool)
	ctx := context.Background()
	conv := testhelpers.NewConversationID()

	base := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)
	first := testhelpers.SeedMessage(t, pool, conv, "alice", "one", base)
	second := testhelpers.SeedMessage(t, pool, conv, "alice", "two", base.Add(time.Second))
	testhelpers.SeedMessage(t, pool, conv, "bob", "three", base.Add(2*time.Second))

	require.NoError(t, store.SetReaction(ctx, conv, second, "bob", "🔥"))
	marked, err := store.MarkMessagesAsRead(ctx, conv, "bob", nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{first, second}, marked)

	page, err := store.GetConversationHistory(ctx, conv, protocol.Cursor{}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "three", page[0].Text)
	require.Equal(t, "two", page[1].Text)
	require.Equal(t, map[string]string{"bob": "🔥"}, page[1].Reactions)
	require.Equal(t, []string{"bob"}, page[1].SeenBy)

	older, err := store.GetConversationHistory(ctx, conv, protocol.CursorAt(page[1]), 2)
	require.NoError(t, err)
	require.Len(t, older, 1)
	require.Equal(t, first, older[0].ID)

	require.NoError(t, store.SetReaction(ctx, conv, second, "bob", ""))
	page, err = store.GetConversationHistory(ctx, conv, protocol.Cursor{}, 2)
	require.NoError(t, err)
	require.Empty(t, page[1].Reactions)
}

func TestPostgresHistory_EqualTimestampsPageByID(t *testing.T) {
	pool := testhelpers.NewTestPool(t)
	store := NewPostgresMessageStore(pool)
	ctx := context.Background()
	conv := testhelpers.NewConversationID()

	at := time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond)
	want := make(map[string]bool)
	for _, text := range []string{"a", "b", "c", "d", "e"} {
		want[testhelpers.SeedMessage(t, pool, conv, "alice", text, at)] = true
	}

	got := make(map[string]bool)
	var cursor protocol.Cursor
	for {
		page, err := store.GetConversationHistory(ctx, conv, cursor, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			require.False(t, got[m.ID], "message %s returned twice", m.ID)
			got[m.ID] = true
		}
		cursor = protocol.CursorAt(page[len(page)-1])
	}
	require.Equal(t, want, got)
}

func TestPostgresDeleteMessage(t *testing.T) {
	pool := testhelpers.NewTestPool(t)
	store := NewPostgresMessageStore(pool)
	ctx := context.Background()
	conv := testhelpers.NewConversationID()

	id := testhelpers.SeedMessage(t, pool, conv, "alice", "secret", time.Now().UTC().Add(-time.Second))

	require.ErrorIs(t, store.DeleteMessage(ctx, conv, id, "bob"), ErrForbidden)
	require.ErrorIs(t, store.DeleteMessage(ctx, conv, uuid.NewString(), "alice"), ErrMessageNotFound)
	require.NoError(t, store.DeleteMessage(ctx, conv, id, "alice"))
	require.NoError(t, store.DeleteMessage(ctx, conv, id, "alice"))
	require.ErrorIs(t, store.SetReaction(ctx, conv, id, "bob", "👍"), ErrMessageNotFound)

	page, err := store.GetConversationHistory(ctx, conv, protocol.Cursor{}, 10)
	require.NoError(t, err)
	require.True(t, page[0].Deleted)
	require.Empty(t, page[0].Text)

	require.NoError(t, store.UpdateLastActive(ctx, "alice", time.Now()))
}
