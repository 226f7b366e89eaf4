package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Prismer-AI/chatsync"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn, err := DSNForFile(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	s, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func msg(id, from, to string, sec int64, content string) chatsync.Message {
	return chatsync.Message{
		ID:         id,
		SenderID:   from,
		ReceiverID: to,
		FromSelf:   from == "me",
		Content:    content,
		CreatedAt:  time.Unix(1700000000+sec, 0).UTC(),
	}
}

func TestStore_PutIsFirstSeenWinsAndReadIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m1 := msg("1", "alice", "me", 10, "hello")
	require.NoError(t, s.PutMessages(ctx, []chatsync.Message{m1}))

	changed := m1
	changed.Content = "rewritten"
	changed.Read = true
	require.NoError(t, s.PutMessages(ctx, []chatsync.Message{changed}))

	unread := m1
	unread.Read = false
	require.NoError(t, s.PutMessages(ctx, []chatsync.Message{unread}))

	all, err := s.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "hello", all[0].Content)
	require.True(t, all[0].Read)
	require.Equal(t, m1.CreatedAt, all[0].CreatedAt)
	require.Equal(t, "alice", all[0].PartnerID())
}

func TestStore_ConversationMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutMessages(ctx, []chatsync.Message{
		msg("3", "alice", "me", 30, "c"),
		msg("1", "alice", "me", 10, "a"),
		msg("2", "me", "alice", 20, "b"),
		msg("9", "bob", "me", 15, "other"),
	}))

	conv, err := s.ConversationMessages(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, conv, 3)
	require.Equal(t, []string{"1", "2", "3"}, []string{conv[0].ID, conv[1].ID, conv[2].ID})
	require.True(t, conv[1].FromSelf)

	latest, err := s.ConversationMessages(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	require.Equal(t, "2", latest[0].ID)
	require.Equal(t, "3", latest[1].ID)
}

func TestStore_MarkReadAndSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutMessages(ctx, []chatsync.Message{
		msg("1", "alice", "me", 10, "Order shipped"),
		msg("2", "bob", "me", 20, "order delayed"),
		msg("3", "bob", "me", 30, "100% done_now"),
	}))
	require.NoError(t, s.MarkRead(ctx, "2"))

	all, err := s.Messages(ctx)
	require.NoError(t, err)
	require.False(t, all[0].Read)
	require.True(t, all[1].Read)

	hits, err := s.Search(ctx, "order", "", 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "2", hits[0].ID)

	hits, err = s.Search(ctx, "order", "alice", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = s.Search(ctx, "100%", "", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "3", hits[0].ID)
}

func TestStore_RejectsEmptyID(t *testing.T) {
	s := newTestStore(t)
	err := s.PutMessages(context.Background(), []chatsync.Message{{Content: "x"}})
	require.Error(t, err)
}

func TestNew_EmptyDSN(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
	_, err = DSNForFile("")
	require.Error(t, err)
}
