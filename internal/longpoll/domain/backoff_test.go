package longpoll

import (
	"testing"
	"time"
)

func TestEndBackoff(t *testing.T) {
	cases := map[int]time.Duration{
		0:   0,
		1:   200 * time.Millisecond,
		3:   1200 * time.Millisecond,
		60:  29700 * time.Millisecond,
		61:  30 * time.Second,
		500: 30 * time.Second,
	}
	for disconnects, want := range cases {
		if got := EndBackoff(disconnects); got != want {
			t.Fatalf("disconnects=%d: expected %s, got %s", disconnects, want, got)
		}
	}
}

func TestErrorBackoff(t *testing.T) {
	cases := map[int]time.Duration{
		0:  0,
		1:  5 * time.Second,
		3:  15 * time.Second,
		6:  30 * time.Second,
		10: 30 * time.Second,
	}
	for disconnects, want := range cases {
		if got := ErrorBackoff(disconnects); got != want {
			t.Fatalf("disconnects=%d: expected %s, got %s", disconnects, want, got)
		}
	}
}
