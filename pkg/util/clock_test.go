package util

import (
	"testing"
	"time"
)

func TestManualClock(t *testing.T) {
	start := time.Unix(100, 0)
	c := NewManualClock(start)

	ch := c.After(time.Second)
	c.Advance(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}

	c.Advance(500 * time.Millisecond)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(time.Second)) {
			t.Errorf("fired at %v", got)
		}
	default:
		t.Fatal("timer did not fire")
	}
	if !c.Now().Equal(start.Add(time.Second)) {
		t.Errorf("Now() = %v", c.Now())
	}
}

func TestParseLevel(t *testing.T) {
	if _, err := NewLogger("debug"); err != nil {
		t.Errorf("NewLogger(debug): %v", err)
	}
	if _, err := NewLogger("loud"); err == nil {
		t.Error("NewLogger(loud) should fail")
	}
}
