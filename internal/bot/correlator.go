package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SleeplessOne1917/lemmy-bot-sub000/internal/lemmy"
)

const (
	correlatorPollInterval = time.Second
	correlatorMaxAttempts  = 20
)

// correlator matches inbound replies back to the caller that requested
// them. The protocol carries no client-supplied correlation id on these
// operations, so callers poll: single-item fetches by resource id,
// identifier resolutions by an opaque token generated per request.
type correlator struct {
	pollInterval time.Duration
	maxAttempts  int

	mu sync.Mutex
	// waiters counts callers outstanding per (category, id); arrivals
	// queues replies in arrival order so the N-th caller pops the N-th
	// arrival.
	waiters  map[fetchKey]int
	arrivals map[fetchKey][]lemmy.Entry
	resolves map[string]resolveCriteria
	resolved map[string]resolveResult
}

type fetchKey struct {
	category lemmy.Category
	id       int64
}

// SearchKind selects what a resolution searches for.
type SearchKind string

const (
	SearchUsers       SearchKind = SearchKind(lemmy.SearchTypeUsers)
	SearchCommunities SearchKind = SearchKind(lemmy.SearchTypeCommunities)
)

type resolveCriteria struct {
	kind SearchKind
	name string
	host string
}

type resolveResult struct {
	id    int64
	found bool
}

func newCorrelator() *correlator {
	return &correlator{
		pollInterval: correlatorPollInterval,
		maxAttempts:  correlatorMaxAttempts,
		waiters:      map[fetchKey]int{},
		arrivals:     map[fetchKey][]lemmy.Entry{},
		resolves:     map[string]resolveCriteria{},
		resolved:     map[string]resolveResult{},
	}
}

// addWaiter records an outstanding single-item fetch. Two concurrent
// fetches for the same id coexist and are satisfied independently.
func (c *correlator) addWaiter(category lemmy.Category, id int64) {
	key := fetchKey{category: category, id: id}
	c.mu.Lock()
	c.waiters[key]++
	c.mu.Unlock()
}

func (c *correlator) removeWaiter(category lemmy.Category, id int64) {
	key := fetchKey{category: category, id: id}
	c.mu.Lock()
	c.dropWaiterLocked(key)
	c.mu.Unlock()
}

func (c *correlator) dropWaiterLocked(key fetchKey) {
	if c.waiters[key] <= 1 {
		delete(c.waiters, key)
		delete(c.arrivals, key)
		return
	}
	c.waiters[key]--
}

// deliver queues an arrival for an outstanding fetch. Arrivals nobody is
// waiting for are dropped.
func (c *correlator) deliver(category lemmy.Category, entry lemmy.Entry) {
	key := fetchKey{category: category, id: entry.ID}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiters[key] == 0 {
		return
	}
	c.arrivals[key] = append(c.arrivals[key], entry)
}

func (c *correlator) popArrival(category lemmy.Category, id int64) (lemmy.Entry, bool) {
	key := fetchKey{category: category, id: id}
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.arrivals[key]
	if len(queue) == 0 {
		return lemmy.Entry{}, false
	}
	entry := queue[0]
	if len(queue) == 1 {
		delete(c.arrivals, key)
	} else {
		c.arrivals[key] = queue[1:]
	}
	c.dropWaiterLocked(key)
	return entry, true
}

// awaitArrival polls for a queued arrival, one-second steps up to the
// attempt budget. An arrival missing on an early attempt is deferred, not
// failed; exhausting the budget removes the id from the outstanding set.
func (c *correlator) awaitArrival(ctx context.Context, category lemmy.Category, id int64) (lemmy.Entry, error) {
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := waitWithContext(ctx, c.pollInterval); err != nil {
			c.removeWaiter(category, id)
			return lemmy.Entry{}, err
		}
		if entry, ok := c.popArrival(category, id); ok {
			return entry, nil
		}
	}
	c.removeWaiter(category, id)
	return lemmy.Entry{}, fmt.Errorf("%w: %s %d", ErrFetchTimeout, category, id)
}

// addResolve stores search criteria under a fresh opaque token.
func (c *correlator) addResolve(criteria resolveCriteria) string {
	token := uuid.NewString()
	c.mu.Lock()
	c.resolves[token] = criteria
	c.mu.Unlock()
	return token
}

func (c *correlator) removeResolve(token string) {
	c.mu.Lock()
	delete(c.resolves, token)
	delete(c.resolved, token)
	c.mu.Unlock()
}

// resolveAll settles every outstanding token against one bulk search
// response: tokens whose criteria match an item resolve to its id, the
// rest resolve to an explicit no-match.
func (c *correlator) resolveAll(resp lemmy.SearchResponse, homeInstance string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for token, criteria := range c.resolves {
		delete(c.resolves, token)
		id, found := criteria.match(resp, homeInstance)
		c.resolved[token] = resolveResult{id: id, found: found}
	}
}

func (c *correlator) takeResolved(token string) (resolveResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.resolved[token]
	if ok {
		delete(c.resolved, token)
	}
	return result, ok
}

// awaitResolve polls for the token to settle, same budget as awaitArrival.
func (c *correlator) awaitResolve(ctx context.Context, token string) (resolveResult, error) {
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := waitWithContext(ctx, c.pollInterval); err != nil {
			c.removeResolve(token)
			return resolveResult{}, err
		}
		if result, ok := c.takeResolved(token); ok {
			return result, nil
		}
	}
	c.removeResolve(token)
	return resolveResult{}, ErrResolveTimeout
}

// match applies the criteria to a search response: name or display-name
// equality plus instance-host equality, ports stripped.
func (criteria resolveCriteria) match(resp lemmy.SearchResponse, homeInstance string) (int64, bool) {
	host := criteria.host
	if host == "" {
		host = homeInstance
	}
	host = stripPort(host)
	switch criteria.kind {
	case SearchUsers:
		for _, view := range resp.Users {
			if view.Person.Name != criteria.name && view.Person.DisplayName != criteria.name {
				continue
			}
			if actorHost(view.Person.ActorID) == host {
				return view.Person.ID, true
			}
		}
	case SearchCommunities:
		for _, view := range resp.Communities {
			if view.Community.Name != criteria.name && view.Community.Title != criteria.name {
				continue
			}
			if actorHost(view.Community.ActorID) == host {
				return view.Community.ID, true
			}
		}
	}
	return 0, false
}

func actorHost(actorURI string) string {
	rest, ok := strings.CutPrefix(actorURI, "https://")
	if !ok {
		rest, ok = strings.CutPrefix(actorURI, "http://")
		if !ok {
			return ""
		}
	}
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		rest = rest[:idx]
	}
	return stripPort(rest)
}

func stripPort(host string) string {
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		return host[:idx]
	}
	return host
}
