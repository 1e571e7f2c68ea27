package testhelpers

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"

	"socialchat/pkg/db"
)

var uniqueCounter int64

func nextSuffix() int64 {
	return atomic.AddInt64(&uniqueCounter, 1)
}

// NewTestPool connects to DATABASE_URL_FOR_TEST, applies the schema and
// truncates every table before and after the test. It skips the test when
// the variable is not set.
func NewTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if err := godotenv.Load(); err != nil {
		t.Log("No .env file found, using environment variables")
	}
	dsn := os.Getenv("DATABASE_URL_FOR_TEST")
	if dsn == "" {
		t.Skip("DATABASE_URL_FOR_TEST not set; skipping integration tests")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.MaxConns = 4

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, db.ApplySchema(ctx, pool))

	truncate := func() {
		_, err := pool.Exec(context.Background(),
			"TRUNCATE messages, message_reactions, message_reads, user_activity CASCADE")
		require.NoError(t, err)
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		pool.Close()
	})
	return pool
}

// NewConversationID returns a conversation id unique within the test run.
func NewConversationID() string {
	return fmt.Sprintf("test-conv-%d", nextSuffix())
}

// SeedMessage inserts a text message and returns its id.
func SeedMessage(t *testing.T, pool *pgxpool.Pool, conversationID, senderID, text string, createdAt time.Time) string {
	t.Helper()

	id := uuid.NewString()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO messages (id, conversation_id, sender_id, kind, text, created_at) VALUES ($1, $2, $3, 'text', $4, $5)`,
		id, conversationID, senderID, text, createdAt)
	require.NoError(t, err)
	return id
}
