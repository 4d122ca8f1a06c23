package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SleeplessOne1917/lemmy-bot-sub000/internal/config"
	"github.com/SleeplessOne1917/lemmy-bot-sub000/internal/federation"
	"github.com/SleeplessOne1917/lemmy-bot-sub000/internal/lemmy"
	"github.com/SleeplessOne1917/lemmy-bot-sub000/internal/storage"
)

func federationAllow(instances ...string) federation.Options {
	specs := make([]federation.InstanceSpec, 0, len(instances))
	for _, instance := range instances {
		specs = append(specs, federation.InstanceSpec{Instance: instance})
	}
	return federation.Options{Allowed: specs}
}

// fakeTransport is an in-memory stand-in for the websocket connection.
// Inbound frames are pushed by the test; outbound frames surface on a
// channel the test reads.
type fakeTransport struct {
	inbound   chan []byte
	wrote     chan lemmy.Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		wrote:   make(chan lemmy.Frame, 64),
		closed:  make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.inbound:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, errors.New("transport closed")
	}
}

func (t *fakeTransport) Write(ctx context.Context, data []byte) error {
	frame, err := lemmy.DecodeFrame(data)
	if err != nil {
		return err
	}
	select {
	case t.wrote <- frame:
	default:
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) push(tb testing.TB, op lemmy.Op, payload string) {
	tb.Helper()
	select {
	case t.inbound <- []byte(fmt.Sprintf(`{"op":%q,"data":%s}`, op, payload)):
	default:
		tb.Fatalf("inbound buffer full")
	}
}

func (t *fakeTransport) pushError(tb testing.TB, code string) {
	tb.Helper()
	select {
	case t.inbound <- []byte(fmt.Sprintf(`{"error":%q}`, code)):
	default:
		tb.Fatalf("inbound buffer full")
	}
}

func awaitFrame(t *testing.T, ft *fakeTransport, op lemmy.Op) lemmy.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-ft.wrote:
			if frame.Op == op {
				return frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for outbound %s frame", op)
		}
	}
}

func awaitState(t *testing.T, b *Bot, want ConnState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state never reached %s, stuck at %s", want, b.State())
}

func testConfig(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.FromYAML([]byte(doc))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

const authedConfigYAML = `
instance: home.example
credentials:
  username: bot
  password: hunter2
schedule:
  categories:
    post: 0
storage:
  dsn: memory://
`

const anonymousConfigYAML = `
instance: home.example
schedule:
  categories:
    post: 0
storage:
  dsn: memory://
`

func nopHandler(context.Context, lemmy.Entry, *ReprocessControl) error { return nil }

// newTestBot builds a runtime wired to a fake transport and an in-memory
// store, with the polling delays shrunk for test speed.
func newTestBot(t *testing.T, cfg *config.Config) (*Bot, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	b, err := New(Options{
		Config:   cfg,
		Handlers: map[lemmy.Category]Handler{lemmy.CategoryPost: nopHandler},
		Backend:  storage.NewMemoryBackend(),
	})
	if err != nil {
		t.Fatalf("new bot: %v", err)
	}
	b.dial = func(ctx context.Context, url string) (transport, error) {
		return ft, nil
	}
	b.authRetryDelay = 5 * time.Millisecond
	b.pending.pollInterval = time.Millisecond
	return b, ft
}

func startBot(t *testing.T, b *Bot) {
	t.Helper()
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		b.Stop()
		select {
		case <-b.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("runtime did not stop")
		}
	})
}

func TestConnectLogsInAndPolls(t *testing.T) {
	b, ft := newTestBot(t, testConfig(t, authedConfigYAML))
	startBot(t, b)

	awaitFrame(t, ft, lemmy.OpLogin)
	ft.push(t, lemmy.OpLogin, `{"jwt":"session-token"}`)
	awaitState(t, b, StateAuthenticated)

	frame := awaitFrame(t, ft, lemmy.OpGetPosts)
	if !strings.Contains(string(frame.Data), `"auth":"session-token"`) {
		t.Fatalf("scheduled fetch must carry the session token, got %s", frame.Data)
	}
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	b, _ := newTestBot(t, testConfig(t, anonymousConfigYAML))
	startBot(t, b)
	awaitState(t, b, StateConnected)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
}

func TestSessionExpiryTriggersReloginWithoutDisconnect(t *testing.T) {
	b, ft := newTestBot(t, testConfig(t, authedConfigYAML))
	startBot(t, b)

	awaitFrame(t, ft, lemmy.OpLogin)
	ft.push(t, lemmy.OpLogin, `{"jwt":"first-token"}`)
	awaitState(t, b, StateAuthenticated)

	ft.pushError(t, "not_authenticated")
	awaitFrame(t, ft, lemmy.OpLogin)
	if ft.isClosed() {
		t.Fatalf("session expiry must not close the connection")
	}
	ft.push(t, lemmy.OpLogin, `{"jwt":"second-token"}`)
	awaitState(t, b, StateAuthenticated)
}

func TestBadCredentialsHaltTheRuntime(t *testing.T) {
	b, ft := newTestBot(t, testConfig(t, authedConfigYAML))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	awaitFrame(t, ft, lemmy.OpLogin)
	ft.pushError(t, "incorrect_login")

	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("runtime did not halt on bad credentials")
	}
	if !errors.Is(b.Err(), ErrBadCredentials) {
		t.Fatalf("expected bad credentials cause, got %v", b.Err())
	}
	if !ft.isClosed() {
		t.Fatalf("transport must be closed on fatal error")
	}
}

func TestDialFallsBackToInsecureOnce(t *testing.T) {
	b, ft := newTestBot(t, testConfig(t, anonymousConfigYAML))
	var dialed []string
	b.dial = func(ctx context.Context, url string) (transport, error) {
		dialed = append(dialed, url)
		if strings.HasPrefix(url, "wss://") {
			return nil, errors.New("tls refused")
		}
		return ft, nil
	}
	startBot(t, b)
	awaitState(t, b, StateConnected)

	want := []string{"wss://home.example/api/v3/ws", "ws://home.example/api/v3/ws"}
	if len(dialed) != len(want) || dialed[0] != want[0] || dialed[1] != want[1] {
		t.Fatalf("unexpected dial order: %v", dialed)
	}
}

func TestConnectFailureInvokesCallback(t *testing.T) {
	failures := make(chan error, 1)
	b, err := New(Options{
		Config:   testConfig(t, anonymousConfigYAML),
		Handlers: map[lemmy.Category]Handler{lemmy.CategoryPost: nopHandler},
		Backend:  storage.NewMemoryBackend(),
		OnConnectFailure: func(err error) {
			select {
			case failures <- err:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("new bot: %v", err)
	}
	dialErr := errors.New("network unreachable")
	b.dial = func(ctx context.Context, url string) (transport, error) {
		return nil, dialErr
	}
	startBot(t, b)

	select {
	case got := <-failures:
		if !errors.Is(got, dialErr) {
			t.Fatalf("expected dial error, got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("failure callback never invoked")
	}
	awaitState(t, b, StateDisconnected)
}

func TestGetPostRoundTrip(t *testing.T) {
	b, ft := newTestBot(t, testConfig(t, anonymousConfigYAML))
	startBot(t, b)
	awaitState(t, b, StateConnected)

	type result struct {
		entry lemmy.Entry
		err   error
	}
	results := make(chan result, 1)
	go func() {
		entry, err := b.GetPost(context.Background(), 7)
		results <- result{entry, err}
	}()

	awaitFrame(t, ft, lemmy.OpGetPost)
	ft.push(t, lemmy.OpGetPost, `{"post_view":{"post":{"id":7,"ap_id":"https://home.example/post/7","published":"2024-01-01T00:00:00Z"}}}`)

	select {
	case got := <-results:
		if got.err != nil {
			t.Fatalf("fetch failed: %v", got.err)
		}
		if got.entry.ID != 7 {
			t.Fatalf("unexpected entry: %+v", got.entry)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("fetch never completed")
	}
}

func TestGetPostTimesOutWhenNoReplyArrives(t *testing.T) {
	b, _ := newTestBot(t, testConfig(t, anonymousConfigYAML))
	startBot(t, b)
	awaitState(t, b, StateConnected)

	_, err := b.GetPost(context.Background(), 404)
	if !errors.Is(err, ErrFetchTimeout) {
		t.Fatalf("expected fetch timeout, got %v", err)
	}
}

func TestGetPostRequiresConnection(t *testing.T) {
	b, _ := newTestBot(t, testConfig(t, anonymousConfigYAML))
	if _, err := b.GetPost(context.Background(), 1); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not-connected error, got %v", err)
	}
}

func TestResolveUserRoundTrip(t *testing.T) {
	b, ft := newTestBot(t, testConfig(t, anonymousConfigYAML))
	startBot(t, b)
	awaitState(t, b, StateConnected)

	type result struct {
		id    int64
		found bool
		err   error
	}
	results := make(chan result, 1)
	go func() {
		id, found, err := b.ResolveUser(context.Background(), "alice@beta.example")
		results <- result{id, found, err}
	}()

	frame := awaitFrame(t, ft, lemmy.OpSearch)
	if !strings.Contains(string(frame.Data), `"q":"alice"`) {
		t.Fatalf("search must query the local name, got %s", frame.Data)
	}
	ft.push(t, lemmy.OpSearch, `{"users":[
		{"person":{"id":10,"name":"alice","actor_id":"https://home.example/u/alice"}},
		{"person":{"id":11,"name":"alice","actor_id":"https://beta.example/u/alice"}}
	]}`)

	select {
	case got := <-results:
		if got.err != nil {
			t.Fatalf("resolve failed: %v", got.err)
		}
		if !got.found || got.id != 11 {
			t.Fatalf("expected the beta.example match, got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("resolve never completed")
	}
}

func dispatcherBot(t *testing.T, configYAML string, handler Handler) *Bot {
	t.Helper()
	b, err := New(Options{
		Config:   testConfig(t, configYAML),
		Handlers: map[lemmy.Category]Handler{lemmy.CategoryPost: handler},
		Backend:  storage.NewMemoryBackend(),
	})
	if err != nil {
		t.Fatalf("new bot: %v", err)
	}
	return b
}

func TestDispatchHandlesUnseenEntryExactlyOnce(t *testing.T) {
	var calls atomic.Int64
	b := dispatcherBot(t, anonymousConfigYAML, func(context.Context, lemmy.Entry, *ReprocessControl) error {
		calls.Add(1)
		return nil
	})
	batch := []lemmy.Entry{{ID: 1, ActorURI: "https://home.example/post/1"}}
	for i := 0; i < 2; i++ {
		if err := b.dispatchBatch(context.Background(), lemmy.CategoryPost, batch); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one handler call, got %d", got)
	}
}

func TestDispatchSkipsWriteOnHandlerError(t *testing.T) {
	var calls atomic.Int64
	b := dispatcherBot(t, anonymousConfigYAML, func(context.Context, lemmy.Entry, *ReprocessControl) error {
		if calls.Add(1) == 1 {
			return errors.New("downstream unavailable")
		}
		return nil
	})
	batch := []lemmy.Entry{{ID: 2}}
	for i := 0; i < 3; i++ {
		if err := b.dispatchBatch(context.Background(), lemmy.CategoryPost, batch); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	// First call fails and leaves the row unwritten; the second succeeds
	// and writes it; the third is suppressed.
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected two handler calls, got %d", got)
	}
}

func TestDispatchHonorsReprocessDirective(t *testing.T) {
	var calls atomic.Int64
	b := dispatcherBot(t, anonymousConfigYAML, func(_ context.Context, _ lemmy.Entry, reprocess *ReprocessControl) error {
		calls.Add(1)
		reprocess.After(10)
		return nil
	})
	batch := []lemmy.Entry{{ID: 3}}
	if err := b.dispatchBatch(context.Background(), lemmy.CategoryPost, batch); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := b.dispatchBatch(context.Background(), lemmy.CategoryPost, batch); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("future reprocess time must suppress redispatch, got %d calls", got)
	}

	store, err := b.backend.Open(context.Background())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	info, err := store.GetStorageInfo(context.Background(), lemmy.CategoryPost.TableName(), 3)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if info.ReprocessTime == nil {
		t.Fatalf("expected a scheduled reprocess time")
	}
}

func TestDispatchAppliesFederationFilter(t *testing.T) {
	var calls atomic.Int64
	b := dispatcherBot(t, `
instance: home.example
schedule:
  categories:
    post: 0
storage:
  dsn: memory://
federation:
  allowed: [alpha.example]
`, func(_ context.Context, entry lemmy.Entry, _ *ReprocessControl) error {
		calls.Add(1)
		if !strings.Contains(entry.ActorURI, "alpha.example") && !strings.Contains(entry.ActorURI, "home.example") {
			t.Errorf("filtered entry slipped through: %s", entry.ActorURI)
		}
		return nil
	})
	batch := []lemmy.Entry{
		{ID: 1, ActorURI: "https://alpha.example/post/1"},
		{ID: 2, ActorURI: "https://beta.example/post/2"},
		{ID: 3, ActorURI: "https://home.example/post/3"},
	}
	if err := b.dispatchBatch(context.Background(), lemmy.CategoryPost, batch); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected two retained entries, got %d", got)
	}
}

func TestUpdateFederationSwapsPolicy(t *testing.T) {
	var calls atomic.Int64
	b := dispatcherBot(t, anonymousConfigYAML, func(context.Context, lemmy.Entry, *ReprocessControl) error {
		calls.Add(1)
		return nil
	})
	if err := b.UpdateFederation(federationAllow("alpha.example")); err != nil {
		t.Fatalf("update federation: %v", err)
	}
	batch := []lemmy.Entry{{ID: 9, ActorURI: "https://beta.example/post/9"}}
	if err := b.dispatchBatch(context.Background(), lemmy.CategoryPost, batch); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := calls.Load(); got != 0 {
		t.Fatalf("expected the new policy to drop the entry, got %d calls", got)
	}
}

func TestStopAllowsRestart(t *testing.T) {
	b, _ := newTestBot(t, testConfig(t, anonymousConfigYAML))
	// Each connect gets a fresh transport so the restart does not inherit
	// the one closed during the first shutdown.
	b.dial = func(ctx context.Context, url string) (transport, error) {
		return newFakeTransport(), nil
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	awaitState(t, b, StateConnected)
	b.Stop()
	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("runtime did not stop")
	}
	if b.Err() != nil {
		t.Fatalf("requested stop must not record a fatal cause, got %v", b.Err())
	}
	startBot(t, b)
	awaitState(t, b, StateConnected)
}
