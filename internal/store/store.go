// Package store implements the relational persistence layer described in
// spec.md §6: the subscriptions/sub_namespaces/service_stats schema,
// keyed per spec by (account, service, svcid) with a cascade-deleted
// namespace relation. Built on internal/pgpool rather than database/sql,
// so callers see exactly the bounded idle pool spec.md §4.D requires.
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/oxen-io/session-push-notification-server/internal/pgpool"
)

//go:embed schema.sql
var Schema string

// Expiry mirrors internal/subscription's signature-age cutoff; db_cleanup
// deletes any subscription signed before this window (spec.md §4.F
// startup step 1).
const Expiry = 14 * 24 * time.Hour

// ErrNotFound is returned when a lookup by primary key finds no row.
var ErrNotFound = errors.New("store: not found")

// Row is one persisted subscription.
type Row struct {
	Account       [33]byte
	SessionEd     []byte
	SubaccountTag *[36]byte
	SubaccountSig *[64]byte
	Service       string
	SvcID         string
	SvcData       []byte
	EncKey        []byte
	WantData      bool
	SigTS         int64
	Signature     [64]byte
	Namespaces    []int16
}

// NotificationTarget is one row matched by on_message_notification's
// per-namespace lookup (spec.md §4.F.d item 2).
type NotificationTarget struct {
	WantData bool
	EncKey   []byte
	Service  string
	SvcID    string
	SvcData  []byte
}

// Store wraps a pgpool.Pool with the SPNS schema's queries.
type Store struct {
	pool *pgpool.Pool
}

// New wraps pool.
func New(pool *pgpool.Pool) *Store {
	return &Store{pool: pool}
}

// ApplySchema runs the embedded schema against the pool, creating tables
// and indexes if they do not already exist.
func (s *Store) ApplySchema(ctx context.Context) error {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}

// DBCleanup deletes every subscription whose signature predates Expiry,
// cascading into sub_namespaces (spec.md §4.F startup step 1, and the
// periodic "db_cleanup every 30s" timer).
func (s *Store) DBCleanup(ctx context.Context) (int64, error) {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: db_cleanup: %w", err)
	}
	defer conn.Release()

	cutoff := time.Now().Add(-Expiry).Unix()
	tag, err := conn.Exec(ctx, `DELETE FROM subscriptions WHERE sig_ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: db_cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// LoadAll streams every persisted subscription to fn in load order, used
// by load_saved_subscriptions at startup (spec.md §4.F step 2). fn
// returning an error aborts the stream and is propagated; per spec.md §7,
// a structural failure here aborts startup, so callers should only
// return a non-nil error for failures beyond per-row validation.
func (s *Store) LoadAll(ctx context.Context, fn func(Row) error) error {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("store: load_all: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
		SELECT s.id, s.account, s.session_ed, s.subaccount_tag, s.subaccount_sig,
		       s.service, s.svcid, s.svcdata, s.enc_key, s.want_data, s.sig_ts, s.signature,
		       COALESCE(array_agg(n.namespace ORDER BY n.namespace) FILTER (WHERE n.namespace IS NOT NULL), '{}')
		FROM subscriptions s
		LEFT JOIN sub_namespaces n ON n.subscription = s.id
		GROUP BY s.id
		ORDER BY s.id`)
	if err != nil {
		return fmt.Errorf("store: load_all: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id         int64
			account    []byte
			sessionEd  []byte
			subaccTag  []byte
			subaccSig  []byte
			service    string
			svcid      string
			svcdata    []byte
			enckey     []byte
			wantData   bool
			sigTS      int64
			sig        []byte
			namespaces []int16
		)
		if err := rows.Scan(&id, &account, &sessionEd, &subaccTag, &subaccSig,
			&service, &svcid, &svcdata, &enckey, &wantData, &sigTS, &sig, &namespaces); err != nil {
			return fmt.Errorf("store: load_all scan: %w", err)
		}

		row := Row{
			SessionEd:  sessionEd,
			Service:    service,
			SvcID:      svcid,
			SvcData:    svcdata,
			EncKey:     enckey,
			WantData:   wantData,
			SigTS:      sigTS,
			Namespaces: namespaces,
		}
		copy(row.Account[:], account)
		copy(row.Signature[:], sig)
		if subaccTag != nil {
			var tag [36]byte
			copy(tag[:], subaccTag)
			row.SubaccountTag = &tag
		}
		if subaccSig != nil {
			var sig64 [64]byte
			copy(sig64[:], subaccSig)
			row.SubaccountSig = &sig64
		}

		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// UpsertSubscription implements add_subscription's DB half (spec.md
// §4.F.b): look up by (account, service, svcid); update in place,
// replacing namespaces only if they differ, or insert a new row. The
// returned bool reports whether a new row was inserted, driving the
// subscribe reply's added/updated distinction.
func (s *Store) UpsertSubscription(ctx context.Context, row Row) (bool, error) {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("store: upsert: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("store: upsert: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		id         int64
		existingNS []int16
	)
	err = tx.QueryRow(ctx, `
		SELECT s.id, COALESCE(array_agg(n.namespace ORDER BY n.namespace) FILTER (WHERE n.namespace IS NOT NULL), '{}')
		FROM subscriptions s
		LEFT JOIN sub_namespaces n ON n.subscription = s.id
		WHERE s.account = $1 AND s.service = $2 AND s.svcid = $3
		GROUP BY s.id`,
		row.Account[:], row.Service, row.SvcID).Scan(&id, &existingNS)

	var subaccTag, subaccSig any
	if row.SubaccountTag != nil {
		subaccTag = row.SubaccountTag[:]
	}
	if row.SubaccountSig != nil {
		subaccSig = row.SubaccountSig[:]
	}

	inserted := false
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		inserted = true
		if err := tx.QueryRow(ctx, `
			INSERT INTO subscriptions
				(account, session_ed, subaccount_tag, subaccount_sig, service, svcid, svcdata, enc_key, want_data, sig_ts, signature)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			RETURNING id`,
			row.Account[:], row.SessionEd, subaccTag, subaccSig, row.Service, row.SvcID,
			row.SvcData, row.EncKey, row.WantData, row.SigTS, row.Signature[:]).Scan(&id); err != nil {
			return false, fmt.Errorf("store: upsert insert: %w", err)
		}
		if err := insertNamespaces(ctx, tx, id, row.Namespaces); err != nil {
			return false, err
		}
	case err != nil:
		return false, fmt.Errorf("store: upsert lookup: %w", err)
	default:
		if _, err := tx.Exec(ctx, `
			UPDATE subscriptions
			SET session_ed=$1, subaccount_tag=$2, subaccount_sig=$3, svcdata=$4, enc_key=$5,
			    want_data=$6, sig_ts=$7, signature=$8
			WHERE id=$9`,
			row.SessionEd, subaccTag, subaccSig, row.SvcData, row.EncKey,
			row.WantData, row.SigTS, row.Signature[:], id); err != nil {
			return false, fmt.Errorf("store: upsert update: %w", err)
		}
		if !namespacesEqual(existingNS, row.Namespaces) {
			if _, err := tx.Exec(ctx, `DELETE FROM sub_namespaces WHERE subscription = $1`, id); err != nil {
				return false, fmt.Errorf("store: upsert namespace delete: %w", err)
			}
			if err := insertNamespaces(ctx, tx, id, row.Namespaces); err != nil {
				return false, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("store: upsert commit: %w", err)
	}
	return inserted, nil
}

func insertNamespaces(ctx context.Context, tx pgx.Tx, subscriptionID int64, namespaces []int16) error {
	for _, ns := range namespaces {
		if _, err := tx.Exec(ctx, `INSERT INTO sub_namespaces (subscription, namespace) VALUES ($1, $2)`, subscriptionID, ns); err != nil {
			return fmt.Errorf("store: insert namespace: %w", err)
		}
	}
	return nil
}

func namespacesEqual(a, b []int16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DeleteSubscription implements remove_subscription's DB half (spec.md
// §4.F.c): delete the row keyed by (account, service, svcid), reporting
// whether a row was actually removed.
func (s *Store) DeleteSubscription(ctx context.Context, account [33]byte, service, svcid string) (bool, error) {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("store: delete: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `DELETE FROM subscriptions WHERE account=$1 AND service=$2 AND svcid=$3`,
		account[:], service, svcid)
	if err != nil {
		return false, fmt.Errorf("store: delete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// NotificationTargets implements on_message_notification's DB lookup
// (spec.md §4.F.d item 2): every subscription whose account matches and
// whose namespace set contains namespace.
func (s *Store) NotificationTargets(ctx context.Context, account [33]byte, namespace int16) ([]NotificationTarget, error) {
	conn, err := s.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: notification_targets: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
		SELECT s.want_data, s.enc_key, s.service, s.svcid, s.svcdata
		FROM subscriptions s
		JOIN sub_namespaces n ON n.subscription = s.id
		WHERE s.account = $1 AND n.namespace = $2`, account[:], namespace)
	if err != nil {
		return nil, fmt.Errorf("store: notification_targets: %w", err)
	}
	defer rows.Close()

	var out []NotificationTarget
	for rows.Next() {
		var t NotificationTarget
		if err := rows.Scan(&t.WantData, &t.EncKey, &t.Service, &t.SvcID, &t.SvcData); err != nil {
			return nil, fmt.Errorf("store: notification_targets scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
