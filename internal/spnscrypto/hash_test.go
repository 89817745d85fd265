package spnscrypto

import "testing"

func TestKeyedHashDeterministic(t *testing.T) {
	key := []byte("MONITOR")
	a, err := KeyedHash(key, []byte("hello"), DecimalASCII(42))
	if err != nil {
		t.Fatalf("KeyedHash: %v", err)
	}
	b, err := KeyedHash(key, []byte("hello"), DecimalASCII(42))
	if err != nil {
		t.Fatalf("KeyedHash: %v", err)
	}
	if a != b {
		t.Fatalf("expected identical hashes for identical input, got %x vs %x", a, b)
	}

	c, err := KeyedHash(key, []byte("hello"), DecimalASCII(43))
	if err != nil {
		t.Fatalf("KeyedHash: %v", err)
	}
	if a == c {
		t.Fatalf("expected different hashes for different input")
	}
}

func TestDecimalASCII(t *testing.T) {
	cases := map[int64]string{
		0:    "0",
		42:   "42",
		-400: "-400",
	}
	for n, want := range cases {
		if got := string(DecimalASCII(n)); got != want {
			t.Errorf("DecimalASCII(%d) = %q, want %q", n, got, want)
		}
	}
}
