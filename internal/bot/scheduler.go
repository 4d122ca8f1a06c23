package bot

import (
	"context"
	"time"

	"github.com/SleeplessOne1917/lemmy-bot-sub000/internal/lemmy"
)

// startCheckers launches one polling loop per handled category for the
// current connection epoch. Loops end when the epoch context is cancelled;
// reconnection starts a fresh set.
func (b *Bot) startCheckers(ctx context.Context) {
	for _, category := range b.handledCategories() {
		interval := time.Duration(b.cfg.Interval(category)) * time.Second
		go b.runChecker(ctx, category, interval)
	}
}

func (b *Bot) handledCategories() []lemmy.Category {
	var out []lemmy.Category
	for _, category := range lemmy.Categories() {
		if _, ok := b.handlers[category]; ok {
			out = append(out, category)
		}
	}
	return out
}

// runChecker issues this category's fetch on a fixed cadence while the
// connection is healthy. When credentials are configured but login has
// not completed yet, it nudges authentication and retries on a short
// delay instead of stalling for a whole interval. When the connection is
// gone it exits; recovery belongs to the reconnect policy alone.
func (b *Bot) runChecker(ctx context.Context, category lemmy.Category, interval time.Duration) {
	for {
		state, authed, hasCredentials, token := b.connectionSnapshot()
		delay := interval
		switch {
		case state != StateConnected && state != StateAuthenticated:
			return
		case authed || !hasCredentials:
			frame, err := lemmy.EncodeListFetch(category, token)
			if err != nil {
				b.log.Printf("encode %s fetch: %v", category, err)
				return
			}
			if err := b.send(ctx, frame); err != nil {
				b.log.Printf("send %s fetch: %v", category, err)
			}
		default:
			b.login(ctx)
			delay = b.authRetryDelay
		}
		if err := waitWithContext(ctx, delay); err != nil {
			return
		}
	}
}
