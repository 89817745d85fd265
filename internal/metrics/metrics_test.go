package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew_RegistersEveryComponent(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	if r.HiveMind == nil {
		t.Fatal("HiveMind metrics not built")
	}
	if r.SNode == nil {
		t.Fatal("SNode metrics not built")
	}
	if r.Pool == nil {
		t.Fatal("Pool metrics not built")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
}

func TestHandler_NotNil(t *testing.T) {
	if Handler() == nil {
		t.Fatal("Handler returned nil")
	}
}
