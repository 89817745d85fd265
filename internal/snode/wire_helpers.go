package snode

import (
	"context"
	"math/rand"
	"time"

	"github.com/oxen-io/session-push-notification-server/internal/subscription"
	"github.com/oxen-io/session-push-notification-server/internal/swarmid"
	"github.com/oxen-io/session-push-notification-server/internal/transport"
	"github.com/oxen-io/session-push-notification-server/internal/wire"
)

type dictEntry struct {
	id        swarmid.AccountID
	sessionEd []byte
	sub       *subscription.Subscription
}

func buildDicts(entries []*dictEntry) []*wire.Dict {
	dicts := make([]*wire.Dict, len(entries))
	for i, e := range entries {
		dicts[i] = wire.SubscriptionDict(e.id, e.sessionEd, e.sub)
	}
	return dicts
}

func encodedSize(entries []*dictEntry) (int, error) {
	b, err := encodeDicts(entries)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func encodeDicts(entries []*dictEntry) ([]byte, error) {
	return wire.MonitorMessagesList(buildDicts(entries))
}

func sendMonitorMessages(ctx context.Context, conn transport.Connection, body []byte) error {
	return transport.MonitorMessages(ctx, conn, body)
}

func jitterDuration(rng *rand.Rand, min, max time.Duration) time.Duration {
	span := max - min
	if span <= 0 {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(span)))
}
