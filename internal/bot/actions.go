package bot

import (
	"context"
	"strings"

	"github.com/SleeplessOne1917/lemmy-bot-sub000/internal/lemmy"
)

// GetPost fetches one post by id, waiting for the matching arrival on the
// shared connection.
func (b *Bot) GetPost(ctx context.Context, id int64) (lemmy.Entry, error) {
	return b.fetchByID(ctx, lemmy.CategoryPost, id)
}

// GetComment fetches one comment by id.
func (b *Bot) GetComment(ctx context.Context, id int64) (lemmy.Entry, error) {
	return b.fetchByID(ctx, lemmy.CategoryComment, id)
}

func (b *Bot) fetchByID(ctx context.Context, category lemmy.Category, id int64) (lemmy.Entry, error) {
	state, _, _, token := b.connectionSnapshot()
	if state != StateConnected && state != StateAuthenticated {
		return lemmy.Entry{}, ErrNotConnected
	}
	frame, err := lemmy.EncodeSingleFetch(category, id, token)
	if err != nil {
		return lemmy.Entry{}, err
	}
	b.pending.addWaiter(category, id)
	if err := b.send(ctx, frame); err != nil {
		b.pending.removeWaiter(category, id)
		return lemmy.Entry{}, err
	}
	return b.pending.awaitArrival(ctx, category, id)
}

// ResolveUser resolves a user name (optionally "name@instance") to its
// internal id via the platform's bulk search. The bool reports whether a
// match existed; an error means the resolution itself failed.
func (b *Bot) ResolveUser(ctx context.Context, name string) (int64, bool, error) {
	return b.resolve(ctx, SearchUsers, name)
}

// ResolveCommunity resolves a community name to its internal id.
func (b *Bot) ResolveCommunity(ctx context.Context, name string) (int64, bool, error) {
	return b.resolve(ctx, SearchCommunities, name)
}

func (b *Bot) resolve(ctx context.Context, kind SearchKind, name string) (int64, bool, error) {
	state, _, _, token := b.connectionSnapshot()
	if state != StateConnected && state != StateAuthenticated {
		return 0, false, ErrNotConnected
	}
	localName, host := splitQualifiedName(name)
	frame, err := lemmy.EncodeSearch(lemmy.SearchRequest{
		Q:    localName,
		Type: string(kind),
		Auth: token,
	})
	if err != nil {
		return 0, false, err
	}
	searchToken := b.pending.addResolve(resolveCriteria{kind: kind, name: localName, host: host})
	if err := b.send(ctx, frame); err != nil {
		b.pending.removeResolve(searchToken)
		return 0, false, err
	}
	result, err := b.pending.awaitResolve(ctx, searchToken)
	if err != nil {
		return 0, false, err
	}
	return result.id, result.found, nil
}

func splitQualifiedName(name string) (local, host string) {
	name = strings.TrimSpace(strings.TrimPrefix(name, "@"))
	if idx := strings.LastIndexByte(name, '@'); idx >= 0 {
		return name[:idx], name[idx+1:]
	}
	return name, ""
}
