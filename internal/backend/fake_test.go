package backend

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/and161185/convokeeper/internal/auth"
	"github.com/and161185/convokeeper/internal/conversation"
	"github.com/and161185/convokeeper/internal/gateway"
	"github.com/and161185/convokeeper/internal/manifest"
	"github.com/and161185/convokeeper/internal/messages"
	"github.com/and161185/convokeeper/internal/transport"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	testApp = conversation.AppCredentials{Key: "app-key", Signature: "app-sig"}
	testEnv = conversation.Environment{
		BundleID:   "com.example.app",
		AppVersion: "2",
		AppBuild:   "1",
		SDKVersion: "1.0.0",
		DeviceUUID: "device-1",
		OSName:     "linux",
		Locale:     "en_US",
	}
	testKey = []byte("0123456789abcdef")
)

// fakeAPI answers gateway endpoints in memory and records every request.
type fakeAPI struct {
	mu       sync.Mutex
	reqs     []transport.Request
	fail     map[string]error
	key      []byte
	inbound  []messages.Message
	manifest manifest.Manifest
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{fail: map[string]error{}, key: testKey}
}

func (f *fakeAPI) Send(_ context.Context, req transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if err := f.fail[req.Endpoint]; err != nil {
		return nil, err
	}
	var out any
	switch req.Endpoint {
	case gateway.EndpointCreateConversation:
		out = gateway.ConversationResponse{ID: "def456", Token: "abc"}
	case gateway.EndpointExchangeLegacy:
		out = gateway.ConversationResponse{ID: "legacy-1", Token: "legacy-abc"}
	case gateway.EndpointCreateLoggedIn:
		sub, _ := auth.SubjectFromToken(req.Token)
		out = gateway.ConversationResponse{ID: "conv-" + sub, Token: req.Token, Subject: sub, EncryptionKey: f.key}
	case gateway.EndpointResumeSession:
		var in gateway.SessionRequest
		if err := json.Unmarshal(req.Body, &in); err != nil {
			return nil, err
		}
		sub, _ := auth.SubjectFromToken(req.Token)
		out = gateway.ConversationResponse{ID: in.ConversationID, Token: req.Token, Subject: sub, EncryptionKey: f.key}
	case gateway.EndpointPayload:
		var in gateway.PayloadRequest
		if err := json.Unmarshal(req.Body, &in); err != nil {
			return nil, err
		}
		out = gateway.PayloadResponse{MessageID: "srv-" + in.Nonce}
	case gateway.EndpointMessages:
		resp := gateway.MessagesResponse{Messages: f.inbound}
		if n := len(f.inbound); n > 0 {
			resp.EndsWith = f.inbound[n-1].Nonce
		}
		out = resp
	case gateway.EndpointManifest:
		out = gateway.ManifestResponse{Manifest: f.manifest}
	default:
		out = struct{}{}
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return &transport.Response{Body: body}, nil
}

func (f *fakeAPI) count(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.reqs {
		if r.Endpoint == endpoint {
			n++
		}
	}
	return n
}

func (f *fakeAPI) payloads(t *testing.T) []gateway.PayloadRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gateway.PayloadRequest
	for _, r := range f.reqs {
		if r.Endpoint != gateway.EndpointPayload {
			continue
		}
		var p gateway.PayloadRequest
		require.NoError(t, json.Unmarshal(r.Body, &p))
		out = append(out, p)
	}
	return out
}

func (f *fakeAPI) setFail(endpoint string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[endpoint] = err
}

type stringFetcher string

func (s stringFetcher) Fetch(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(s))), nil
}

func newTestBackend(t *testing.T, api *fakeAPI, dir string) *Backend {
	t.Helper()
	b := New(Config{
		ContainerDir:         dir,
		Environment:          testEnv,
		Transport:            api,
		Fetcher:              stringFetcher("remote bytes"),
		HousekeepingInterval: time.Hour,
		Logger:               zaptest.NewLogger(t),
	})
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

// registered returns a backend with an anonymous conversation def456.
func registered(t *testing.T, api *fakeAPI) (*Backend, string) {
	t.Helper()
	dir := t.TempDir()
	b := newTestBackend(t, api, dir)
	ctx := context.Background()
	require.NoError(t, b.ProtectedDataDidBecomeAvailable(ctx))
	_, err := b.Register(ctx, testApp)
	require.NoError(t, err)
	return b, dir
}

func userToken(t *testing.T, subject string) string {
	t.Helper()
	tok, _, err := auth.NewSigner([]byte("user-secret"), time.Hour).Issue(auth.KindUser, subject)
	require.NoError(t, err)
	return tok
}

func waitEvent(t *testing.T, b *Backend, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-b.Events():
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

// inspect reads actor-owned state from a test.
func inspect[T any](t *testing.T, b *Backend, fn func() T) T {
	t.Helper()
	v, err := call(context.Background(), b, false, func(context.Context) (T, error) { return fn(), nil })
	require.NoError(t, err)
	return v
}
