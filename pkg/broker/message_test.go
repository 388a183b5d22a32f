package broker

import "testing"

func TestNewUUID_MonotonicWithinNode(t *testing.T) {
	const n = 64
	ids := make([]string, n)
	for i := range ids {
		ids[i] = NewUUID()
	}
	for i := 1; i < n; i++ {
		if len(ids[i]) != 36 {
			t.Fatalf("expected 36-char UUID, got %q (%d)", ids[i], len(ids[i]))
		}
		if ids[i] <= ids[i-1] {
			t.Fatalf("expected monotonically increasing UUIDs, got %q then %q", ids[i-1], ids[i])
		}
	}
}

func TestMin(t *testing.T) {
	cases := []struct{ a, b, want QoS }{
		{QoS0, QoS1, QoS0},
		{QoS2, QoS1, QoS1},
		{QoS1, QoS1, QoS1},
	}
	for _, c := range cases {
		if got := Min(c.a, c.b); got != c.want {
			t.Errorf("Min(%d,%d) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestSubscriptionKey(t *testing.T) {
	s1 := Subscription{ClientID: "c1", TopicFilter: "a/b"}
	s2 := Subscription{ClientID: "c1", TopicFilter: "a/b"}
	if s1.Key() != s2.Key() {
		t.Fatal("expected identical (clientId, topicFilter) to produce equal keys")
	}
}
