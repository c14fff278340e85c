package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tundradb/tundra-go/pkg/transport"
)

type fakeAuthenticator struct {
	mu         sync.Mutex
	authCalls  int
	renewCalls int
	closeCalls int

	authOut  *LoginOutput
	authErr  error
	renewErr error
	closeErr error
}

func (f *fakeAuthenticator) Authenticate(_ context.Context, _ *LoginInput) (*LoginOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	if f.authErr != nil {
		return nil, f.authErr
	}
	if f.authOut != nil {
		return f.authOut, nil
	}
	return defaultLoginOutput(), nil
}

func (f *fakeAuthenticator) Renew(_ context.Context, _ *LoginInput) (*LoginOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewCalls++
	if f.renewErr != nil {
		return nil, f.renewErr
	}
	return &LoginOutput{
		SessionToken: fmt.Sprintf("renewed-token-%d", f.renewCalls),
		MasterToken:  "master-token-1",
	}, nil
}

func (f *fakeAuthenticator) Close(_ context.Context, _ *LoginInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return f.closeErr
}

func (f *fakeAuthenticator) counts() (auth, renew, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls, f.renewCalls, f.closeCalls
}

type fakeTransport struct {
	mu       sync.Mutex
	requests []*transport.Request
	handler  func(req *transport.Request) ([]byte, error)
}

func (f *fakeTransport) Execute(_ context.Context, req *transport.Request, _ transport.Options) ([]byte, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	handler := f.handler
	f.mu.Unlock()

	if handler == nil {
		return []byte(`{"success":true}`), nil
	}
	return handler(req)
}

func (f *fakeTransport) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeTransport) request(i int) *transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func defaultLoginOutput() *LoginOutput {
	return &LoginOutput{
		SessionToken:        "session-token-1",
		MasterToken:         "master-token-1",
		SessionID:           "1234567890",
		MasterTokenValidity: 4 * time.Hour,
		Database:            "TESTDB",
		Schema:              "PUBLIC",
		Warehouse:           "COMPUTE_WH",
		Role:                "ANALYST",
		AutoCommit:          true,
	}
}

func newTestSession(t *testing.T, auth Authenticator, tr transport.Transport, opts ...Option) *Session {
	t.Helper()

	sched := NewHeartbeatScheduler()
	t.Cleanup(sched.Shutdown)

	opts = append([]Option{WithHeartbeatScheduler(sched)}, opts...)
	s := New(auth, tr, opts...)
	require.NoError(t, s.SetProperty("serverURL", "https://testaccount.tundradb.com"))
	require.NoError(t, s.SetProperty("account", "testaccount"))
	require.NoError(t, s.SetProperty("user", "tester"))
	require.NoError(t, s.SetProperty("password", "hunter2"))
	return s
}

func TestOpen(t *testing.T) {
	auth := &fakeAuthenticator{}
	s := newTestSession(t, auth, &fakeTransport{})

	assert.True(t, s.IsClosed())

	err := s.Open(context.Background())
	require.NoError(t, err)

	assert.False(t, s.IsClosed())
	assert.Equal(t, "session-token-1", s.SessionToken())
	assert.Equal(t, "1234567890", s.SessionID())
	assert.Equal(t, "TESTDB", s.Database())
	assert.Equal(t, "PUBLIC", s.Schema())
	assert.Equal(t, "COMPUTE_WH", s.Warehouse())
	assert.Equal(t, "ANALYST", s.Role())
	assert.True(t, s.AutoCommit())
	assert.Empty(t, s.Warnings())

	authCalls, _, _ := auth.counts()
	assert.Equal(t, 1, authCalls)
}

func TestOpen_ValidatesBeforeNetwork(t *testing.T) {
	t.Run("missing server URL", func(t *testing.T) {
		auth := &fakeAuthenticator{}
		s := New(auth, &fakeTransport{}, WithHeartbeatScheduler(NewHeartbeatScheduler()))
		require.NoError(t, s.SetProperty("account", "testaccount"))

		err := s.Open(context.Background())
		require.Error(t, err)
		assert.True(t, HasCode(err, ErrCodeMissingServerURL))

		authCalls, _, _ := auth.counts()
		assert.Zero(t, authCalls)
	})

	t.Run("missing account", func(t *testing.T) {
		auth := &fakeAuthenticator{}
		s := New(auth, &fakeTransport{}, WithHeartbeatScheduler(NewHeartbeatScheduler()))
		require.NoError(t, s.SetProperty("serverURL", "https://testaccount.tundradb.com"))

		err := s.Open(context.Background())
		require.Error(t, err)
		assert.True(t, HasCode(err, ErrCodeMissingConnectionProperty))
	})

	t.Run("missing username for password auth", func(t *testing.T) {
		auth := &fakeAuthenticator{}
		s := New(auth, &fakeTransport{}, WithHeartbeatScheduler(NewHeartbeatScheduler()))
		require.NoError(t, s.SetProperty("serverURL", "https://testaccount.tundradb.com"))
		require.NoError(t, s.SetProperty("account", "testaccount"))

		err := s.Open(context.Background())
		require.Error(t, err)
		assert.True(t, HasCode(err, ErrCodeMissingUsername))
	})

	t.Run("missing password for password auth", func(t *testing.T) {
		auth := &fakeAuthenticator{}
		s := New(auth, &fakeTransport{}, WithHeartbeatScheduler(NewHeartbeatScheduler()))
		require.NoError(t, s.SetProperty("serverURL", "https://testaccount.tundradb.com"))
		require.NoError(t, s.SetProperty("account", "testaccount"))
		require.NoError(t, s.SetProperty("user", "tester"))

		err := s.Open(context.Background())
		require.Error(t, err)
		assert.True(t, HasCode(err, ErrCodeMissingPassword))
	})

	t.Run("proxy requires host and port", func(t *testing.T) {
		auth := &fakeAuthenticator{}
		s := newTestSession(t, auth, &fakeTransport{})
		require.NoError(t, s.SetProperty("useProxy", true))
		require.NoError(t, s.SetProperty("proxyHost", "proxy.internal"))

		err := s.Open(context.Background())
		require.Error(t, err)
		assert.True(t, HasCode(err, ErrCodeInvalidProxyProperties))

		authCalls, _, _ := auth.counts()
		assert.Zero(t, authCalls)
	})
}

func TestOpen_AuthenticationFailure(t *testing.T) {
	auth := &fakeAuthenticator{authErr: errors.New("login rejected")}
	s := newTestSession(t, auth, &fakeTransport{})

	err := s.Open(context.Background())
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeSessionEstablishmentFailed))
	assert.True(t, s.IsClosed())
}

func TestOpen_ResolvedMismatchWarnings(t *testing.T) {
	out := defaultLoginOutput()
	out.Database = "OTHERDB"
	auth := &fakeAuthenticator{authOut: out}

	s := newTestSession(t, auth, &fakeTransport{})
	require.NoError(t, s.SetProperty("database", "testdb"))
	require.NoError(t, s.SetProperty("schema", "public")) // resolves case-insensitively, no warning

	require.NoError(t, s.Open(context.Background()))

	warnings := s.Warnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, ErrCodeEstablishedWithDifferentProperty, warnings[0].Code)
	assert.Contains(t, warnings[0].Message, "database")
	assert.Contains(t, warnings[0].Message, "OTHERDB")
}

func TestOpen_ServerParameters(t *testing.T) {
	out := defaultLoginOutput()
	out.CommonParameters = map[string]any{
		"CLIENT_SESSION_KEEP_ALIVE":                     true,
		"CLIENT_SESSION_KEEP_ALIVE_HEARTBEAT_FREQUENCY": 1800,
		"AUTOCOMMIT": false,
		"QUERY_TAG":  "nightly-batch",
	}
	auth := &fakeAuthenticator{authOut: out}

	sched := NewHeartbeatScheduler()
	t.Cleanup(sched.Shutdown)

	s := New(auth, &fakeTransport{}, WithHeartbeatScheduler(sched))
	require.NoError(t, s.SetProperty("serverURL", "https://testaccount.tundradb.com"))
	require.NoError(t, s.SetProperty("account", "testaccount"))
	require.NoError(t, s.SetProperty("user", "tester"))
	require.NoError(t, s.SetProperty("password", "hunter2"))

	require.NoError(t, s.Open(context.Background()))

	assert.False(t, s.AutoCommit())
	assert.Equal(t, 1800*time.Second, s.heartbeatFrequency)
	assert.Equal(t, 1, sched.sessionCount())
	assert.True(t, s.ContainsParameter("QUERY_TAG"))

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 0, sched.sessionCount())
}

func TestRenewSession(t *testing.T) {
	t.Run("renews with observed token", func(t *testing.T) {
		auth := &fakeAuthenticator{}
		s := newTestSession(t, auth, &fakeTransport{})
		require.NoError(t, s.Open(context.Background()))

		err := s.RenewSession(context.Background(), "session-token-1")
		require.NoError(t, err)
		assert.Equal(t, "renewed-token-1", s.SessionToken())

		_, renewCalls, _ := auth.counts()
		assert.Equal(t, 1, renewCalls)
	})

	t.Run("skips when token already replaced", func(t *testing.T) {
		auth := &fakeAuthenticator{}
		s := newTestSession(t, auth, &fakeTransport{})
		require.NoError(t, s.Open(context.Background()))

		err := s.RenewSession(context.Background(), "stale-token")
		require.NoError(t, err)
		assert.Equal(t, "session-token-1", s.SessionToken())

		_, renewCalls, _ := auth.counts()
		assert.Zero(t, renewCalls)
	})

	t.Run("concurrent renewals collapse into one exchange", func(t *testing.T) {
		auth := &fakeAuthenticator{}
		s := newTestSession(t, auth, &fakeTransport{})
		require.NoError(t, s.Open(context.Background()))

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.RenewSession(context.Background(), "session-token-1"))
			}()
		}
		wg.Wait()

		_, renewCalls, _ := auth.counts()
		assert.Equal(t, 1, renewCalls)
		assert.Equal(t, "renewed-token-1", s.SessionToken())
	})

	t.Run("reauthentication required surfaces its own code", func(t *testing.T) {
		auth := &fakeAuthenticator{
			renewErr: fmt.Errorf("renewal rejected: %w", ErrReauthenticationRequired),
		}
		s := newTestSession(t, auth, &fakeTransport{})
		require.NoError(t, s.Open(context.Background()))

		err := s.RenewSession(context.Background(), "session-token-1")
		require.Error(t, err)
		assert.True(t, HasCode(err, ErrCodeReauthenticationRequired))
		assert.ErrorIs(t, err, ErrReauthenticationRequired)
	})

	t.Run("other renewal failures", func(t *testing.T) {
		auth := &fakeAuthenticator{renewErr: errors.New("boom")}
		s := newTestSession(t, auth, &fakeTransport{})
		require.NoError(t, s.Open(context.Background()))

		err := s.RenewSession(context.Background(), "session-token-1")
		require.Error(t, err)
		assert.True(t, HasCode(err, ErrCodeSessionRenewalFailed))
	})
}

func TestClose(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		auth := &fakeAuthenticator{}
		s := newTestSession(t, auth, &fakeTransport{})
		require.NoError(t, s.Open(context.Background()))

		require.NoError(t, s.Close(context.Background()))
		require.NoError(t, s.Close(context.Background()))

		_, _, closeCalls := auth.counts()
		assert.Equal(t, 1, closeCalls)
		assert.True(t, s.IsClosed())
	})

	t.Run("marks closed even when wire close fails", func(t *testing.T) {
		auth := &fakeAuthenticator{closeErr: errors.New("connection reset")}
		s := newTestSession(t, auth, &fakeTransport{})
		require.NoError(t, s.Open(context.Background()))

		err := s.Close(context.Background())
		require.Error(t, err)
		assert.True(t, s.IsClosed())

		// second close performs no exchange
		require.NoError(t, s.Close(context.Background()))
		_, _, closeCalls := auth.counts()
		assert.Equal(t, 1, closeCalls)
	})

	t.Run("close before open performs no exchange", func(t *testing.T) {
		auth := &fakeAuthenticator{}
		s := newTestSession(t, auth, &fakeTransport{})

		require.NoError(t, s.Close(context.Background()))
		_, _, closeCalls := auth.counts()
		assert.Zero(t, closeCalls)
	})
}

// slowReopenAuthenticator forces the reauthentication fallback: every
// renewal demands reauthentication, and every re-open is slow enough for a
// concurrent Close to land while the session mutex is held.
type slowReopenAuthenticator struct {
	mu          sync.Mutex
	authCalls   int
	reopenDelay time.Duration
}

func (f *slowReopenAuthenticator) Authenticate(_ context.Context, _ *LoginInput) (*LoginOutput, error) {
	f.mu.Lock()
	f.authCalls++
	calls := f.authCalls
	f.mu.Unlock()

	if calls > 1 {
		time.Sleep(f.reopenDelay)
	}

	out := defaultLoginOutput()
	out.CommonParameters = map[string]any{"CLIENT_SESSION_KEEP_ALIVE": true}
	return out, nil
}

func (f *slowReopenAuthenticator) Renew(_ context.Context, _ *LoginInput) (*LoginOutput, error) {
	return nil, fmt.Errorf("renewal rejected: %w", ErrReauthenticationRequired)
}

func (f *slowReopenAuthenticator) Close(_ context.Context, _ *LoginInput) error {
	return nil
}

func TestClose_DuringReauthReopen(t *testing.T) {
	auth := &slowReopenAuthenticator{reopenDelay: 300 * time.Millisecond}
	s := newTestSession(t, auth, &fakeTransport{})
	require.NoError(t, s.SetProperty("authenticator", "EXTERNALBROWSER"))
	require.NoError(t, s.Open(context.Background()))

	done := make(chan struct{}, 2)

	go func() {
		// re-open holds the session mutex while registering the heartbeat
		assert.NoError(t, s.renewOrReauthenticate(context.Background(), s.SessionToken()))
		done <- struct{}{}
	}()

	time.Sleep(50 * time.Millisecond)

	go func() {
		assert.NoError(t, s.Close(context.Background()))
		done <- struct{}{}
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("Close and reauthentication re-open are blocked on each other")
		}
	}
	assert.True(t, s.IsClosed())
}

func TestIsSafeToClose(t *testing.T) {
	running := map[string]bool{"q-running": true, "q-done": false}

	tr := &fakeTransport{handler: func(req *transport.Request) ([]byte, error) {
		for id, isRunning := range running {
			if strings.HasSuffix(req.URL, id) {
				status := "SUCCESS"
				if isRunning {
					status = "RUNNING"
				}
				return []byte(fmt.Sprintf(
					`{"success":true,"data":{"queries":[{"id":%q,"status":%q}]}}`, id, status)), nil
			}
		}
		return nil, errors.New("unknown query")
	}}

	auth := &fakeAuthenticator{}
	s := newTestSession(t, auth, tr)
	require.NoError(t, s.Open(context.Background()))

	assert.True(t, s.IsSafeToClose(context.Background()))
	assert.False(t, s.IsAsyncSession())

	s.AddActiveQuery("q-running")
	s.AddActiveQuery("q-done")
	assert.True(t, s.IsAsyncSession())
	assert.False(t, s.IsSafeToClose(context.Background()))

	s.RemoveActiveQuery("q-running")
	assert.True(t, s.IsSafeToClose(context.Background()))

	s.RemoveActiveQuery("q-done")
	assert.False(t, s.IsAsyncSession())
}

func TestIsSafeToClose_StatusFailureDoesNotShortCircuit(t *testing.T) {
	tr := &fakeTransport{handler: func(req *transport.Request) ([]byte, error) {
		if strings.HasSuffix(req.URL, "q-broken") {
			return nil, errors.New("monitoring unavailable")
		}
		return []byte(`{"success":true,"data":{"queries":[{"id":"q-running","status":"RUNNING"}]}}`), nil
	}}

	auth := &fakeAuthenticator{}
	s := newTestSession(t, auth, tr)
	require.NoError(t, s.Open(context.Background()))

	s.AddActiveQuery("q-broken")
	s.AddActiveQuery("q-running")

	// the failing lookup is logged, the running query still blocks teardown
	assert.False(t, s.IsSafeToClose(context.Background()))
}

func TestNextSequenceID(t *testing.T) {
	s := newTestSession(t, &fakeAuthenticator{}, &fakeTransport{})

	assert.Equal(t, int64(1), s.NextSequenceID())
	assert.Equal(t, int64(2), s.NextSequenceID())
	assert.Equal(t, int64(3), s.NextSequenceID())
}

func TestTelemetryClient(t *testing.T) {
	s := newTestSession(t, &fakeAuthenticator{}, &fakeTransport{})

	first := s.TelemetryClient()
	require.NotNil(t, first)
	assert.Same(t, first, s.TelemetryClient())
}
