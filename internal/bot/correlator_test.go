package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/SleeplessOne1917/lemmy-bot-sub000/internal/lemmy"
)

func fastCorrelator() *correlator {
	c := newCorrelator()
	c.pollInterval = time.Millisecond
	return c
}

func TestAwaitArrivalReturnsQueuedEntry(t *testing.T) {
	c := fastCorrelator()
	c.addWaiter(lemmy.CategoryPost, 7)
	c.deliver(lemmy.CategoryPost, lemmy.Entry{ID: 7, ActorURI: "https://home.example/post/7"})

	entry, err := c.awaitArrival(context.Background(), lemmy.CategoryPost, 7)
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	if entry.ID != 7 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestConcurrentFetchesForSameIDGetDistinctArrivals(t *testing.T) {
	c := fastCorrelator()
	c.addWaiter(lemmy.CategoryPost, 7)
	c.addWaiter(lemmy.CategoryPost, 7)
	c.deliver(lemmy.CategoryPost, lemmy.Entry{ID: 7, ActorURI: "first"})
	c.deliver(lemmy.CategoryPost, lemmy.Entry{ID: 7, ActorURI: "second"})

	var wg sync.WaitGroup
	results := make(chan lemmy.Entry, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := c.awaitArrival(context.Background(), lemmy.CategoryPost, 7)
			if err != nil {
				t.Errorf("await failed: %v", err)
				return
			}
			results <- entry
		}()
	}
	wg.Wait()
	close(results)

	seen := map[string]bool{}
	for entry := range results {
		seen[entry.ActorURI] = true
	}
	if !seen["first"] || !seen["second"] {
		t.Fatalf("each caller must consume its own arrival, saw %v", seen)
	}
}

func TestAwaitArrivalTimeoutRemovesWaiter(t *testing.T) {
	c := fastCorrelator()
	c.addWaiter(lemmy.CategoryPost, 99)

	_, err := c.awaitArrival(context.Background(), lemmy.CategoryPost, 99)
	if !errors.Is(err, ErrFetchTimeout) {
		t.Fatalf("expected fetch timeout, got %v", err)
	}

	// A late arrival after the timeout has nobody waiting and is dropped.
	c.deliver(lemmy.CategoryPost, lemmy.Entry{ID: 99})
	c.mu.Lock()
	waiters, arrivals := len(c.waiters), len(c.arrivals)
	c.mu.Unlock()
	if waiters != 0 || arrivals != 0 {
		t.Fatalf("expected empty correlator after timeout, got %d waiters %d arrivals", waiters, arrivals)
	}
}

func TestAwaitArrivalHonorsContext(t *testing.T) {
	c := newCorrelator()
	c.addWaiter(lemmy.CategoryComment, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.awaitArrival(ctx, lemmy.CategoryComment, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.waiters) != 0 {
		t.Fatalf("cancelled waiter must be removed")
	}
}

func TestDeliverWithoutWaiterIsDropped(t *testing.T) {
	c := fastCorrelator()
	c.deliver(lemmy.CategoryPost, lemmy.Entry{ID: 5})
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.arrivals) != 0 {
		t.Fatalf("unsolicited arrival must not be queued")
	}
}

func searchResponseFixture() lemmy.SearchResponse {
	return lemmy.SearchResponse{
		Users: []lemmy.PersonView{
			{Person: lemmy.Person{ID: 10, Name: "alice", ActorID: "https://home.example/u/alice"}},
			{Person: lemmy.Person{ID: 11, Name: "alice", ActorID: "https://beta.example:8536/u/alice"}},
			{Person: lemmy.Person{ID: 12, Name: "bob", DisplayName: "Bob T.", ActorID: "https://home.example/u/bob"}},
		},
		Communities: []lemmy.CommunityView{
			{Community: lemmy.Community{ID: 20, Name: "cats", ActorID: "https://home.example/c/cats"}},
		},
	}
}

func TestResolveAllSettlesEveryToken(t *testing.T) {
	c := fastCorrelator()
	homeAlice := c.addResolve(resolveCriteria{kind: SearchUsers, name: "alice"})
	remoteAlice := c.addResolve(resolveCriteria{kind: SearchUsers, name: "alice", host: "beta.example"})
	displayName := c.addResolve(resolveCriteria{kind: SearchUsers, name: "Bob T."})
	missing := c.addResolve(resolveCriteria{kind: SearchCommunities, name: "dogs"})

	c.resolveAll(searchResponseFixture(), "home.example")

	cases := []struct {
		token string
		id    int64
		found bool
	}{
		{homeAlice, 10, true},
		{remoteAlice, 11, true},
		{displayName, 12, true},
		{missing, 0, false},
	}
	for _, tc := range cases {
		result, ok := c.takeResolved(tc.token)
		if !ok {
			t.Fatalf("token not settled")
		}
		if result.found != tc.found || result.id != tc.id {
			t.Fatalf("expected id=%d found=%v, got %+v", tc.id, tc.found, result)
		}
	}
}

func TestAwaitResolveTimeout(t *testing.T) {
	c := fastCorrelator()
	token := c.addResolve(resolveCriteria{kind: SearchUsers, name: "nobody"})
	if _, err := c.awaitResolve(context.Background(), token); !errors.Is(err, ErrResolveTimeout) {
		t.Fatalf("expected resolve timeout, got %v", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.resolves) != 0 || len(c.resolved) != 0 {
		t.Fatalf("timed-out resolution must be removed")
	}
}

func TestSplitQualifiedName(t *testing.T) {
	cases := []struct {
		in    string
		local string
		host  string
	}{
		{"alice", "alice", ""},
		{"@alice", "alice", ""},
		{"alice@beta.example", "alice", "beta.example"},
		{"@alice@beta.example", "alice", "beta.example"},
	}
	for _, tc := range cases {
		local, host := splitQualifiedName(tc.in)
		if local != tc.local || host != tc.host {
			t.Fatalf("%q: got (%q, %q), want (%q, %q)", tc.in, local, host, tc.local, tc.host)
		}
	}
}
