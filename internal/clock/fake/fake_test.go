package fake_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/mira/internal/clock/fake"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func TestClock_AdvanceFiresInOrder(t *testing.T) {
	t.Parallel()
	c := fake.New(epoch)

	var fired []string
	var firedAt []time.Duration
	record := func(name string) func() {
		return func() {
			fired = append(fired, name)
			firedAt = append(firedAt, c.Now().Sub(epoch))
		}
	}
	c.AfterFunc(3*time.Second, record("c"))
	c.AfterFunc(1*time.Second, record("a"))
	c.AfterFunc(2*time.Second, record("b"))
	c.AfterFunc(10*time.Second, record("late"))

	c.Advance(5 * time.Second)

	if !slices.Equal(fired, []string{"a", "b", "c"}) {
		t.Errorf("fired = %v, want [a b c]", fired)
	}
	if !slices.Equal(firedAt, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}) {
		t.Errorf("firedAt = %v", firedAt)
	}
	if got := c.Now().Sub(epoch); got != 5*time.Second {
		t.Errorf("Now = +%s, want +5s", got)
	}
	if c.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", c.Pending())
	}
}

func TestClock_Stop(t *testing.T) {
	t.Parallel()
	c := fake.New(epoch)
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })

	if !tm.Stop() {
		t.Error("first Stop = false, want true")
	}
	if tm.Stop() {
		t.Error("second Stop = true, want false")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestClock_CallbackArmsTimer(t *testing.T) {
	t.Parallel()
	c := fake.New(epoch)
	count := 0
	var arm func()
	arm = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, arm)
		}
	}
	c.AfterFunc(time.Second, arm)

	c.Advance(10 * time.Second)
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestClock_StopAfterFire(t *testing.T) {
	t.Parallel()
	c := fake.New(epoch)
	tm := c.AfterFunc(time.Second, func() {})
	c.Advance(time.Second)
	if tm.Stop() {
		t.Error("Stop after fire = true, want false")
	}
}
