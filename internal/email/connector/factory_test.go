package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopTransport struct{ settings Settings }

func (n *noopTransport) Name() string                  { return "noop" }
func (n *noopTransport) Connect(context.Context) error { return nil }
func (n *noopTransport) Send(context.Context, *OutgoingMessage) (string, error) {
	return "", nil
}
func (n *noopTransport) ListUnread(context.Context, string, int) ([]Summary, error) {
	return nil, nil
}
func (n *noopTransport) Fetch(context.Context, string) (*Message, error) { return nil, nil }
func (n *noopTransport) MarkRead(context.Context, string) error          { return nil }
func (n *noopTransport) Delete(context.Context, string) error            { return nil }
func (n *noopTransport) TestConnection(context.Context) (*Identity, error) {
	return &Identity{}, nil
}

func TestFactoryReturnsRegisteredTransport(t *testing.T) {
	f := NewFactory(WithConstructor(func(s Settings) Transport { return &noopTransport{settings: s} }, "smtp_imap"))

	tr, err := f.TransportFor(Settings{Kind: " SMTP_IMAP "})
	require.NoError(t, err)
	assert.Equal(t, "noop", tr.Name())

	_, err = f.TransportFor(Settings{Kind: "pop3"})
	require.Error(t, err)
}

func TestDefaultFactoryBuildsBothKinds(t *testing.T) {
	f := DefaultFactory(nil, nil)

	direct, err := f.TransportFor(Settings{Kind: KindDirect})
	require.NoError(t, err)
	assert.IsType(t, &DirectTransport{}, direct)
	_, ok := direct.(BulkFetcher)
	assert.True(t, ok)

	cloud, err := f.TransportFor(Settings{Kind: KindCloud})
	require.NoError(t, err)
	assert.IsType(t, &GraphTransport{}, cloud)
	_, ok = cloud.(MailboxLister)
	assert.True(t, ok)
}

func TestCacheReusesUntilSettingsChange(t *testing.T) {
	builds := 0
	inner := NewFactory(WithConstructor(func(s Settings) Transport {
		builds++
		return &noopTransport{settings: s}
	}, KindCloud))
	cache := NewCache(inner)

	s := Settings{ConfigID: 1, Kind: KindCloud, TenantID: "t", ClientSecret: []byte("a")}
	first, err := cache.TransportFor(s)
	require.NoError(t, err)
	again, err := cache.TransportFor(s)
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, 1, builds)

	s.ClientSecret = []byte("b")
	changed, err := cache.TransportFor(s)
	require.NoError(t, err)
	assert.NotSame(t, first, changed)
	assert.Equal(t, 2, builds)

	cache.Forget(1)
	_, err = cache.TransportFor(s)
	require.NoError(t, err)
	assert.Equal(t, 3, builds)
}
