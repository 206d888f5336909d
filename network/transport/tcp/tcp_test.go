package tcp

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linchenxuan/conduit/network/transport"
	"github.com/linchenxuan/conduit/plugin"
)

func startServer(t *testing.T) (*Server, <-chan transport.Link) {
	t.Helper()
	s, err := NewServer(&Config{Addr: "127.0.0.1:0", AcceptRate: 100, AcceptBurst: 10})
	require.NoError(t, err)

	accepted := make(chan transport.Link, 4)
	require.NoError(t, s.Start(context.Background(), func(l transport.Link) { accepted <- l }))
	t.Cleanup(func() { _ = s.Stop() })
	return s, accepted
}

func readAll(t *testing.T, l transport.Link, n int) []byte {
	t.Helper()
	var got []byte
	for len(got) < n {
		b, err := l.Recv()
		require.NoError(t, err)
		got = append(got, b...)
		l.Release(b)
	}
	return got
}

func TestServerAcceptAndExchange(t *testing.T) {
	s, accepted := startServer(t)
	require.NotNil(t, s.Addr())

	client, err := Dial(context.Background(), s.Addr().String(), nil)
	require.NoError(t, err)
	defer client.Close()

	var server transport.Link
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("no link accepted")
	}
	assert.False(t, server.Local())

	require.NoError(t, client.Write([]byte("hello ")))
	require.NoError(t, client.Write([]byte("world")))
	require.NoError(t, client.Flush())
	assert.Equal(t, "hello world", string(readAll(t, server, 11)))

	server.SetReadTimeout(20 * time.Millisecond)
	_, err = server.Recv()
	assert.True(t, transport.IsTimeout(err))
	assert.ErrorIs(t, err, transport.ErrReadTimeout)
	server.SetReadTimeout(0)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.True(t, client.Closed())
	assert.ErrorIs(t, client.Write([]byte("x")), transport.ErrClosed)

	_, err = server.Recv()
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, server.Closed())
}

func TestServerStop(t *testing.T) {
	s, _ := startServer(t)
	addr := s.Addr().String()
	require.NoError(t, s.Stop())

	_, err := Dial(context.Background(), addr, nil)
	assert.Error(t, err)
	assert.Error(t, s.Start(context.Background(), func(transport.Link) {}))
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, (&Config{}).Validate())
	assert.Error(t, (&Config{Addr: ":0", AcceptRate: -1}).Validate())
	assert.NoError(t, (&Config{Addr: ":0"}).Validate())

	_, err := NewServer(&Config{})
	assert.Error(t, err)
}

func TestFactory(t *testing.T) {
	m := plugin.NewManager()
	m.RegisterFactory(NewFactory())
	require.NoError(t, m.SetupPlugins(map[string]any{
		"transport": map[string]any{
			"tcp": map[string]any{"addr": "127.0.0.1:0", "acceptRate": 50, "tag": plugin.DefaultInsName},
		},
	}))
	p, err := m.GetDefaultPlugin(plugin.Transport)
	require.NoError(t, err)
	s, ok := p.(*Server)
	require.True(t, ok)
	assert.Equal(t, 50.0, s.cfg.AcceptRate)
	m.DestroyPlugins()
}
