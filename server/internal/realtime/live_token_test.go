package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"homework-live/server/internal/metrics"
)

type fakeTokens struct {
	got  *genai.CreateAuthTokenConfig
	resp *genai.AuthToken
	err  error
}

func (f *fakeTokens) Create(_ context.Context, config *genai.CreateAuthTokenConfig) (*genai.AuthToken, error) {
	f.got = config
	return f.resp, f.err
}

func TestCreateEphemeralTokenSingleUseShortTTL(t *testing.T) {
	fake := &fakeTokens{resp: &genai.AuthToken{Name: "auth_tokens/abc"}}
	c := newClient(fake, Config{Model: "gemini-live-2.5-flash"}, metrics.New())
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	tok, err := c.CreateEphemeralToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "auth_tokens/abc", tok.Value)
	require.Equal(t, 1, tok.Uses)
	require.Equal(t, now.Add(30*time.Minute), tok.ExpiresAt)
	require.Equal(t, now.Add(time.Minute), tok.NewSessionExpiresAt)

	require.NotNil(t, fake.got.Uses)
	require.Equal(t, int32(1), *fake.got.Uses)
	require.Equal(t, tok.ExpiresAt, fake.got.ExpireTime)
	require.NotNil(t, fake.got.LiveConnectConstraints)
	require.Equal(t, "gemini-live-2.5-flash", fake.got.LiveConnectConstraints.Model)
}

func TestCreateEphemeralTokenErrors(t *testing.T) {
	boom := errors.New("quota exceeded")
	c := newClient(&fakeTokens{err: boom}, Config{}, nil)
	_, err := c.CreateEphemeralToken(context.Background())
	require.ErrorIs(t, err, boom)

	c = newClient(&fakeTokens{resp: &genai.AuthToken{}}, Config{}, nil)
	_, err = c.CreateEphemeralToken(context.Background())
	require.Error(t, err)

	// 不带模型时不加约束
	fake := &fakeTokens{resp: &genai.AuthToken{Name: "t"}}
	_, err = newClient(fake, Config{Uses: 3}, nil).CreateEphemeralToken(context.Background())
	require.NoError(t, err)
	require.Nil(t, fake.got.LiveConnectConstraints)
	require.Equal(t, int32(3), *fake.got.Uses)
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient(context.Background(), Config{}, nil)
	require.ErrorIs(t, err, ErrMissingAPIKey)
}
