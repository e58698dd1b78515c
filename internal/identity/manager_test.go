package identity

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/chat-widget/internal/domain"
	"github.com/ashureev/chat-widget/internal/store"
)

func newTestManager(t *testing.T, strategy Strategy) (*Manager, store.KV) {
	t.Helper()
	kv := store.Namespace(store.NewMemory(), "device:default")
	return NewManager(kv, strategy, nil), kv
}

func mustLoad(t *testing.T, m *Manager, ctx context.Context) domain.ConversationIdentity {
	t.Helper()
	got, err := m.Load(ctx)
	require.NoError(t, err)
	return got
}

func TestLoadEmptyStorage(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, StrategyServer)
	got := mustLoad(t, m, context.Background())
	assert.Equal(t, domain.ConversationIdentity{}, got)
}

func TestLoadRestoresIdAndProfile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, kv := newTestManager(t, StrategyServer)
	require.NoError(t, kv.Set(ctx, KeyConversationID, "abc123"))
	require.NoError(t, kv.Set(ctx, KeyProfile, `{"name":"Ada","email":"ada@example.com"}`))

	got := mustLoad(t, m, ctx)
	assert.Equal(t, "abc123", got.ConversationID)
	require.NotNil(t, got.Profile)
	assert.Equal(t, "Ada", got.Profile.Name)
	assert.True(t, got.Established)
}

func TestLoadTreatsCorruptProfileAsAbsent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, kv := newTestManager(t, StrategyServer)
	require.NoError(t, kv.Set(ctx, KeyConversationID, "abc123"))
	require.NoError(t, kv.Set(ctx, KeyProfile, `{"name":`))

	got := mustLoad(t, m, ctx)
	assert.Equal(t, "abc123", got.ConversationID)
	assert.Nil(t, got.Profile)
}

func TestDecodeProfileCorruption(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "not json", "null", "{}", "[1,2]"} {
		_, err := DecodeProfile(raw)
		assert.True(t, errors.Is(err, domain.ErrStorageCorrupt), "raw=%q", raw)
	}

	p, err := DecodeProfile(`{"name":"Ada","email":"ada@example.com"}`)
	require.NoError(t, err)
	assert.Equal(t, &domain.Profile{Name: "Ada", Email: "ada@example.com"}, p)
}

func TestEstablishFirstWriterWins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, kv := newTestManager(t, StrategyServer)
	mustLoad(t, m, ctx)

	assert.True(t, m.Establish(ctx, "first", nil))
	assert.False(t, m.Establish(ctx, "second", nil))
	assert.False(t, m.Establish(ctx, "first", nil))

	assert.Equal(t, "first", m.Identity().ConversationID)
	stored, ok, err := kv.Get(ctx, KeyConversationID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", stored)
}

func TestEstablishMissingIdLeavesUnestablished(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := newTestManager(t, StrategyServer)
	mustLoad(t, m, ctx)

	assert.False(t, m.Establish(ctx, "  ", nil))
	assert.False(t, m.Identity().Established)
}

func TestEstablishProfilePersists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, kv := newTestManager(t, StrategyServer)
	mustLoad(t, m, ctx)

	assert.True(t, m.Establish(ctx, "", &domain.Profile{Name: "Ada", Email: "ada@example.com"}))
	assert.True(t, m.Identity().Established)
	assert.False(t, m.Identity().HasConversationID())

	reloaded := NewManager(kv, StrategyServer, nil)
	got := mustLoad(t, reloaded, ctx)
	require.NotNil(t, got.Profile)
	assert.Equal(t, "ada@example.com", got.Profile.Email)
}

func TestMintClientStrategy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, kv := newTestManager(t, StrategyClient)
	m.now = func() time.Time { return time.UnixMilli(1_700_000_000_123) }
	mustLoad(t, m, ctx)

	id := m.Mint(ctx)
	assert.Regexp(t, regexp.MustCompile(`^1700000000123-[a-f0-9]{8}$`), id)
	assert.Equal(t, id, m.Mint(ctx), "mint is stable once set")
	assert.False(t, m.Identity().Established)

	stored, ok, err := kv.Get(ctx, KeyConversationID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, stored)

	// A server-issued id never replaces the minted one.
	m.Establish(ctx, "server-id", nil)
	assert.Equal(t, id, m.Identity().ConversationID)
	assert.True(t, m.Identity().Established)
}

func TestMintServerStrategyReturnsEmpty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := newTestManager(t, StrategyServer)
	mustLoad(t, m, ctx)
	assert.Empty(t, m.Mint(ctx))
}

func TestResetClearsStorage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, kv := newTestManager(t, StrategyServer)
	mustLoad(t, m, ctx)
	m.Establish(ctx, "abc123", &domain.Profile{Name: "Ada", Email: "ada@example.com"})

	require.NoError(t, m.Reset(ctx))
	assert.Equal(t, domain.ConversationIdentity{}, m.Identity())

	got := mustLoad(t, NewManager(kv, StrategyServer, nil), ctx)
	assert.Equal(t, domain.ConversationIdentity{}, got)
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	s, err := ParseStrategy(" Client ")
	require.NoError(t, err)
	assert.Equal(t, StrategyClient, s)

	s, err = ParseStrategy("server")
	require.NoError(t, err)
	assert.Equal(t, StrategyServer, s)

	_, err = ParseStrategy("both")
	assert.Error(t, err)
}

func TestLoadReturnsReadError(t *testing.T) {
	t.Parallel()

	m := NewManager(failingGetKV{}, StrategyServer, nil)
	got, err := m.Load(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.ConversationIdentity{}, got)
}

func TestReloadedMintedIdIsEstablished(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, kv := newTestManager(t, StrategyClient)
	mustLoad(t, m, ctx)
	minted := m.Mint(ctx)
	assert.False(t, m.Identity().Established, "unanswered id is not established in this session")

	got := mustLoad(t, NewManager(kv, StrategyClient, nil), ctx)
	assert.Equal(t, minted, got.ConversationID)
	assert.True(t, got.Established)
}

type failingGetKV struct {
	store.KV
}

func (failingGetKV) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("database is locked")
}
