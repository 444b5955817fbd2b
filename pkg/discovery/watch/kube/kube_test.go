package kube

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/amirimatin/go-peerwatch/pkg/discovery"
	"github.com/amirimatin/go-peerwatch/pkg/discovery/watch"
)

const podJSON = `{"metadata":{"name":%q,"resourceVersion":%q},
 "spec":{"containers":[{"ports":[{"name":"peer","containerPort":7000}]}]},
 "status":{"podIP":%q,"conditions":[{"type":"Ready","status":%q}]}}`

func podDoc(name, rv, ip, ready string) string { return fmt.Sprintf(podJSON, name, rv, ip, ready) }

func newTestClient(t *testing.T, h http.HandlerFunc, tokenFile string) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{
		APIServer:     srv.URL,
		Namespace:     "prod",
		LabelSelector: "app=store",
		PortName:      "peer",
		TokenFile:     tokenFile,
		HTTPClient:    srv.Client(),
	})
	require.NoError(t, err)
	return c
}

func TestListMapsPods(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/namespaces/prod/pods", r.URL.Path)
		assert.Equal(t, "app=store", r.URL.Query().Get("labelSelector"))
		fmt.Fprintf(w, `{"metadata":{"resourceVersion":"42"},"items":[%s,%s]}`,
			podDoc("store-0", "40", "10.0.0.1", "True"), podDoc("store-1", "41", "10.0.0.2", "False"))
	}, "")

	res, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "42", res.ResourceVersion)
	require.Len(t, res.Items, 2)
	assert.Equal(t, watch.Object{ID: "store-0", Host: "10.0.0.1", Port: 7000, Ready: true, ResourceVersion: "40"}, res.Items[0])
	assert.False(t, res.Items[1].Ready)
}

func TestWatchStreamEvents(t *testing.T) {
	token := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(token, []byte("abc\n"), 0o600))

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		assert.Equal(t, "1", r.URL.Query().Get("watch"))
		assert.Equal(t, "42", r.URL.Query().Get("resourceVersion"))
		fmt.Fprintf(w, `{"type":"ADDED","object":%s}`+"\n", podDoc("store-2", "43", "10.0.0.3", "True"))
		fmt.Fprintf(w, `{"type":"BOOKMARK","object":{"metadata":{"resourceVersion":"44"}}}`+"\n")
		fmt.Fprintf(w, `{"type":"DELETED","object":%s}`+"\n", podDoc("store-0", "45", "10.0.0.1", "True"))
		fmt.Fprintf(w, `{"type":"ERROR","object":{"kind":"Status","code":410,"message":"too old resource version"}}`+"\n")
	}, token)

	st, err := c.Watch(context.Background(), "42")
	require.NoError(t, err)
	defer st.Close()

	ev, err := st.Next()
	require.NoError(t, err)
	assert.Equal(t, watch.Added, ev.Type)
	assert.Equal(t, "store-2", ev.Object.ID)
	assert.Equal(t, "43", ev.Object.ResourceVersion)

	ev, err = st.Next()
	require.NoError(t, err)
	assert.Equal(t, watch.Bookmark, ev.Type)
	assert.Equal(t, "44", ev.Object.ResourceVersion)

	ev, err = st.Next()
	require.NoError(t, err)
	assert.Equal(t, watch.Deleted, ev.Type)
	assert.Equal(t, "store-0", ev.Object.ID)

	_, err = st.Next()
	require.ErrorIs(t, err, discovery.ErrGone)

	_, err = st.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestStatusMapping(t *testing.T) {
	cases := map[int]error{
		http.StatusGone:         discovery.ErrGone,
		http.StatusUnauthorized: discovery.ErrUnauthorized,
		http.StatusForbidden:    discovery.ErrUnauthorized,
	}
	for code, want := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(code) }, "")
		_, err := c.List(context.Background())
		assert.ErrorIs(t, err, want, "status %d", code)
	}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) }, "")
	_, err := c.Watch(context.Background(), "1")
	require.Error(t, err)
	assert.Equal(t, discovery.ClassTransient, discovery.Classify(err))
}

func TestExpiredTokenWarns(t *testing.T) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "system:serviceaccount:prod:store",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	token := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(token, []byte(signed), 0o600))

	core, logs := observer.New(zap.WarnLevel)
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	_, err = New(Options{
		APIServer:  srv.URL,
		Namespace:  "prod",
		Port:       7000,
		TokenFile:  token,
		HTTPClient: srv.Client(),
		Logger:     zap.New(core),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessageSnippet("expired").Len())
}

func TestEndToEndWithWatchSource(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("watch") == "" {
			fmt.Fprintf(w, `{"metadata":{"resourceVersion":"1"},"items":[%s]}`, podDoc("store-0", "1", "10.0.0.1", "True"))
			return
		}
		fmt.Fprintf(w, `{"type":"MODIFIED","object":%s}`+"\n", podDoc("store-0", "2", "10.0.0.9", "True"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}, "")
	src, err := watch.New(watch.Options{API: c, Name: "kube"})
	require.NoError(t, err)
	out := discovery.NewOutbox("kube", 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = src.Run(ctx, out) }()

	u := <-out.C()
	require.Len(t, u.Peers, 1)
	assert.Equal(t, "10.0.0.1", u.Peers[0].Host)

	select {
	case u = <-out.C():
		require.Len(t, u.Changes, 1)
		assert.Equal(t, "10.0.0.9", u.Changes[0].Peer.Host)
	case <-time.After(2 * time.Second):
		t.Fatal("no delta")
	}
}
