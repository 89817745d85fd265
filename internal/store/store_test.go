package store

import (
	"strings"
	"testing"

	"github.com/oxen-io/session-push-notification-server/internal/subscription"
)

func TestNamespacesEqual(t *testing.T) {
	cases := []struct {
		name string
		a, b []int16
		want bool
	}{
		{"both empty", nil, []int16{}, true},
		{"identical", []int16{0, 1, 5}, []int16{0, 1, 5}, true},
		{"different length", []int16{0, 1}, []int16{0, 1, 2}, false},
		{"different order treated as different", []int16{1, 0}, []int16{0, 1}, false},
		{"different values", []int16{0, 1}, []int16{0, 2}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := namespacesEqual(c.a, c.b); got != c.want {
				t.Fatalf("namespacesEqual(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
			}
		})
	}
}

func TestExpiryMatchesSubscriptionWindow(t *testing.T) {
	if Expiry != subscription.Expiry {
		t.Fatalf("store.Expiry (%v) must match subscription.Expiry (%v): db_cleanup and signature validation share one retention window", Expiry, subscription.Expiry)
	}
}

func TestEmbeddedSchemaDeclaresRequiredTables(t *testing.T) {
	for _, table := range []string{"subscriptions", "sub_namespaces", "service_stats"} {
		if !strings.Contains(Schema, table) {
			t.Fatalf("embedded schema missing table %q", table)
		}
	}
	if !strings.Contains(Schema, "UNIQUE (account, service, svcid)") {
		t.Fatalf("schema must enforce the (account, service, svcid) uniqueness spec.md §6 requires")
	}
	if !strings.Contains(Schema, "ON DELETE CASCADE") {
		t.Fatalf("sub_namespaces must cascade-delete with its parent subscription")
	}
	if !strings.Contains(Schema, "CHECK") {
		t.Fatalf("service_stats must enforce exactly-one-of val_int/val_str via a CHECK constraint")
	}
}
