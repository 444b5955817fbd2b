package etcd

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"

	"github.com/amirimatin/go-peerwatch/pkg/discovery"
)

func TestDecodeRegistration(t *testing.T) {
	a := &API{prefix: DefaultPrefix}

	o, err := a.decode(DefaultPrefix+"node-a", []byte(`{"host":"10.0.0.1","port":7000}`), 12)
	require.NoError(t, err)
	assert.Equal(t, "node-a", o.ID)
	assert.Equal(t, "10.0.0.1", o.Host)
	assert.Equal(t, 7000, o.Port)
	assert.True(t, o.Ready)
	assert.Equal(t, "12", o.ResourceVersion)

	o, err = a.decode(DefaultPrefix+"node-b", []byte(`{"host":"10.0.0.2","port":7000,"ready":false}`), 13)
	require.NoError(t, err)
	assert.False(t, o.Ready)

	o, err = a.decode(DefaultPrefix+"node-c", []byte("10.0.0.3:7001"), 14)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3", o.Host)
	assert.Equal(t, 7001, o.Port)
}

func TestDecodeMalformed(t *testing.T) {
	a := &API{prefix: DefaultPrefix}
	for _, v := range []string{`{"host":`, `{"host":"x"}`, `garbage`} {
		_, err := a.decode(DefaultPrefix+"n", []byte(v), 1)
		assert.ErrorIs(t, err, discovery.ErrMalformed, v)
	}
	_, err := a.decode(DefaultPrefix, []byte("a:1"), 1)
	assert.ErrorIs(t, err, discovery.ErrMalformed)
}

func TestMapErr(t *testing.T) {
	assert.ErrorIs(t, mapErr("watch", rpctypes.ErrCompacted), discovery.ErrGone)
	assert.ErrorIs(t, mapErr("list", rpctypes.ErrPermissionDenied), discovery.ErrUnauthorized)
	assert.ErrorIs(t, mapErr("list", rpctypes.ErrInvalidAuthToken), discovery.ErrUnauthorized)
	assert.Equal(t, discovery.ClassTransient, discovery.Classify(mapErr("list", errors.New("unavailable"))))
	assert.ErrorIs(t, mapErr("list", context.Canceled), context.Canceled)
}

func TestWatchRejectsBadToken(t *testing.T) {
	a := &API{prefix: DefaultPrefix}
	_, err := a.Watch(context.Background(), "not-a-revision")
	assert.ErrorIs(t, err, discovery.ErrGone)
}

func TestNewClientNeedsEndpoints(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
