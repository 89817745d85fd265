package hivemind

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/oxen-io/session-push-notification-server/internal/audit"
	"github.com/oxen-io/session-push-notification-server/internal/snode"
	"github.com/oxen-io/session-push-notification-server/internal/swarmid"
	"github.com/oxen-io/session-push-notification-server/internal/transport"
	"github.com/oxen-io/session-push-notification-server/internal/validation"
)

// serviceNodeState is one entry of rpc.get_service_nodes's reply, the
// subset of fields refresh_sns needs (spec.md §4.F.e: "parse active SNs
// into {x25519 pubkey -> (ip, storage_port, swarm_id)}").
type serviceNodeState struct {
	PubkeyX25519 string `json:"pubkey_x25519"`
	PublicIP     string `json:"public_ip"`
	StoragePort  int    `json:"storage_port"`
	SwarmID      uint64 `json:"swarm_id"`
}

type getServiceNodesReply struct {
	BlockHash         string             `json:"block_hash"`
	BlockHeight       int64              `json:"block_height"`
	ServiceNodeStates []serviceNodeState `json:"service_node_states"`
}

type desiredNode struct {
	addr    string
	swarmID uint64
}

// refreshSNs implements spec.md §4.F.e: fetch the active storage-node
// set from the block node, diff it against sns_by_pubkey, and reconcile
// SNode lifecycle, swarm membership, and swarm_ids.
func (h *HiveMind) refreshSNs(ctx context.Context) error {
	if h.blockConn == nil {
		return fmt.Errorf("hivemind: refresh_sns: no block node connection")
	}

	reply, err := transport.GetServiceNodes(ctx, h.blockConn)
	if err != nil {
		return fmt.Errorf("hivemind: refresh_sns: rpc.get_service_nodes: %w", err)
	}
	if len(reply) < 1 {
		return fmt.Errorf("hivemind: refresh_sns: empty reply")
	}

	var parsed getServiceNodesReply
	if err := json.Unmarshal(reply[0], &parsed); err != nil {
		return fmt.Errorf("hivemind: refresh_sns: decode: %w", err)
	}

	h.mu.Lock()
	unchanged := parsed.BlockHash != "" && parsed.BlockHash == h.lastBlockHash
	h.mu.Unlock()
	if unchanged {
		return nil
	}

	wanted := make(map[[32]byte]desiredNode, len(parsed.ServiceNodeStates))
	for _, sn := range parsed.ServiceNodeStates {
		pkBytes, err := validation.DecodeFlexibleBytes("pubkey_x25519", sn.PubkeyX25519, 32)
		if err != nil {
			log.Warnw("refresh_sns: skipping node with unparsable pubkey", "error", err)
			continue
		}
		var pk [32]byte
		copy(pk[:], pkBytes)
		wanted[pk] = desiredNode{addr: fmt.Sprintf("%s:%d", sn.PublicIP, sn.StoragePort), swarmID: sn.SwarmID}
	}

	type swarmChange struct {
		node     *snode.SNode
		newAddr  string
		newSwarm uint64
		resetSwarm bool
	}

	h.mu.Lock()

	var toDispose []*snode.SNode
	for pk, n := range h.snsByPubkey {
		if _, ok := wanted[pk]; ok {
			continue
		}
		toDispose = append(toDispose, n)
		delete(h.snsByPubkey, pk)
		h.removeFromSwarmLocked(n.SwarmID(), pk)
	}

	var changes []swarmChange
	var toConnect []*snode.SNode
	for pk, d := range wanted {
		if n, ok := h.snsByPubkey[pk]; ok {
			oldSwarm := n.SwarmID()
			resetSwarm := oldSwarm != d.swarmID
			if resetSwarm {
				h.removeFromSwarmLocked(oldSwarm, pk)
				h.addToSwarmLocked(d.swarmID, pk, n)
			}
			changes = append(changes, swarmChange{node: n, newAddr: d.addr, newSwarm: d.swarmID, resetSwarm: resetSwarm})
			continue
		}
		n := snode.New(pk, d.addr, d.swarmID, h.dialer,
			snode.WithOnConnected(h.onSNConnected),
			snode.WithMetrics(h.snodeMetrics),
			snode.WithConnectGate(h.allowConnect, h.finishedConnect),
		)
		h.snsByPubkey[pk] = n
		h.addToSwarmLocked(d.swarmID, pk, n)
		toConnect = append(toConnect, n)
	}

	swarmIDs := make([]uint64, 0, len(h.swarms))
	for id := range h.swarms {
		swarmIDs = append(swarmIDs, id)
	}
	sort.Slice(swarmIDs, func(i, j int) bool { return swarmIDs[i] < swarmIDs[j] })
	h.swarmIDs = swarmIDs

	allNodes := make([]*snode.SNode, 0, len(h.snsByPubkey))
	for _, n := range h.snsByPubkey {
		allNodes = append(allNodes, n)
	}

	subscribersBySwarm := make(map[uint64][]*swarmid.SwarmPubkey, len(h.swarms))
	for _, entry := range h.subscribers {
		entry.pubkey.UpdateSwarm(swarmIDs)
		subscribersBySwarm[entry.pubkey.Swarm] = append(subscribersBySwarm[entry.pubkey.Swarm], entry.pubkey)
	}

	h.metrics.SNsConnected.Set(float64(len(allNodes)))
	h.metrics.SubscribersTracked.Set(float64(len(h.subscribers)))

	h.lastBlockHash = parsed.BlockHash
	h.lastBlockHeight = parsed.BlockHeight

	h.mu.Unlock()

	// The core mutex is released before any call below, per spec.md §5's
	// lock ordering; Connect re-takes it only briefly through its gate,
	// never while an SNode lock is held.
	for _, n := range toDispose {
		pk := n.Pubkey()
		n.Dispose()
		h.logAudit(func(a *audit.Logger) { a.LogSNLifecycle(audit.EventSNDisposed, hex.EncodeToString(pk[:]), n.SwarmID(), n.Addr()) })
	}
	for _, ch := range changes {
		if ch.resetSwarm {
			ch.node.ResetSwarm(ch.newSwarm)
		}
		ch.node.ConnectAddr(ctx, ch.newAddr)
	}
	for _, n := range toConnect {
		n.Connect(ctx)
	}
	for _, n := range allNodes {
		n.RemoveStaleSwarmMembers(swarmIDs)
	}
	for _, n := range allNodes {
		for _, pk := range subscribersBySwarm[n.SwarmID()] {
			n.AddAccount(pk, false)
		}
	}

	return nil
}

// removeFromSwarmLocked and addToSwarmLocked must be called with mu held.
func (h *HiveMind) removeFromSwarmLocked(swarmID uint64, pk [32]byte) {
	bucket, ok := h.swarms[swarmID]
	if !ok {
		return
	}
	delete(bucket, pk)
	if len(bucket) == 0 {
		delete(h.swarms, swarmID)
	}
}

func (h *HiveMind) addToSwarmLocked(swarmID uint64, pk [32]byte, n *snode.SNode) {
	bucket, ok := h.swarms[swarmID]
	if !ok {
		bucket = make(map[[32]byte]*snode.SNode)
		h.swarms[swarmID] = bucket
	}
	bucket[pk] = n
}

// onSNConnected triggers a full forced resubscription pass for every
// subscriber currently assigned to n's swarm, once n transitions to
// Connected (spec.md §4.E: "onConnected" callback).
func (h *HiveMind) onSNConnected(n *snode.SNode) {
	swarm := n.SwarmID()
	pk := n.Pubkey()
	h.logAudit(func(a *audit.Logger) { a.LogSNLifecycle(audit.EventSNConnected, hex.EncodeToString(pk[:]), swarm, n.Addr()) })

	h.mu.Lock()
	members := make([]*swarmid.SwarmPubkey, 0, len(h.subscribers))
	for _, entry := range h.subscribers {
		if entry.pubkey.Swarm == swarm {
			members = append(members, entry.pubkey)
		}
	}
	h.mu.Unlock()

	for _, pk := range members {
		n.AddAccount(pk, true)
	}
}
