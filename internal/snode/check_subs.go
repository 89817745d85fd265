package snode

import (
	"context"
	"sort"
	"time"

	"github.com/ipfs/go-log/v2"
)

var logger = log.Logger("snode")

var epoch = time.Unix(0, 0)

// CheckSubs drains the front of the resubscribe queue into one
// monitor.messages call, subject to the size and due-time bounds in
// spec.md §4.E. If the node is not connected it kicks off Connect
// instead. initial marks a bulk-startup pass: on a successful reply, if
// the request was size-bounded, CheckSubs immediately invokes itself
// again so startup is a back-to-back chain without overlap.
func (n *SNode) CheckSubs(ctx context.Context, allSubs SubscriptionSource, initial bool, fast bool) {
	n.mu.Lock()
	if n.state != Connected {
		n.mu.Unlock()
		n.Connect(ctx)
		return
	}
	conn := n.conn
	now := time.Now()

	var dicts []*dictEntry
	var sizeBounded bool
	var touched []*queueEntry

	for {
		front := n.queue.Front()
		if front == nil {
			break
		}
		entry := front.Value.(*queueEntry)
		if !entry.valid {
			n.queue.Remove(front)
			delete(n.members, entry.pubkey.ID)
			continue
		}
		if entry.due.After(now) {
			break
		}
		if fast && entry.due.After(epoch) {
			break
		}

		sessionEd, subs, ok := allSubs.SubscriptionsFor(entry.pubkey.ID)
		n.queue.Remove(front)
		delete(n.members, entry.pubkey.ID)

		if !ok || len(subs) == 0 {
			continue
		}

		candidate := make([]*dictEntry, 0, len(subs))
		for _, s := range subs {
			candidate = append(candidate, &dictEntry{id: entry.pubkey.ID, sessionEd: sessionEd, sub: s})
		}

		size, err := encodedSize(append(append([]*dictEntry{}, dicts...), candidate...))
		if err == nil && size > SubsRequestLimit && len(dicts) > 0 {
			// Put the account back at the front; it did not fit in this
			// batch, so leave it for the next pass.
			n.members[entry.pubkey.ID] = n.queue.PushFront(entry)
			sizeBounded = true
			break
		}

		dicts = append(dicts, candidate...)
		touched = append(touched, entry)
	}

	for _, entry := range touched {
		entry.due = now.Add(jitterDuration(n.rng, ResubscribeMin, ResubscribeMax))
	}
	// Only this call's suffix needs sorting: the rest of the queue was
	// already ascending by due-time before this drain (spec.md §8).
	sort.Slice(touched, func(i, j int) bool { return touched[i].due.Before(touched[j].due) })
	for _, entry := range touched {
		elem := n.queue.PushBack(entry)
		n.members[entry.pubkey.ID] = elem
	}
	n.mu.Unlock()

	if len(dicts) == 0 {
		return
	}

	body, err := encodeDicts(dicts)
	if err != nil {
		return
	}

	go func() {
		reqErr := sendMonitorMessages(ctx, conn, body)
		if reqErr != nil {
			// Other swarm members still cover these subscriptions; log
			// and move on (spec.md §4.E).
			logger.Warnw("monitor.messages request failed", "addr", n.Addr(), "error", reqErr)
			return
		}
		if initial && sizeBounded {
			n.CheckSubs(ctx, allSubs, true, false)
		}
	}()
}
