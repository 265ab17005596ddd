package turn

import (
	"time"

	"github.com/MrWong99/mira/internal/clock"
)

// timerName identifies one of the controller's timers.
type timerName int

const (
	timerDebounce timerName = iota
	timerMaxListen
	timerHeadWindow
	timerCooldown
)

func (n timerName) String() string {
	switch n {
	case timerDebounce:
		return "finalize_debounce"
	case timerMaxListen:
		return "max_listen_duration"
	case timerHeadWindow:
		return "head_up_window"
	case timerCooldown:
		return "cooldown"
	}
	return "unknown"
}

type armedTimer struct {
	t   clock.Timer
	gen uint64
}

// timerArena owns the named timers of one controller. Arming a name cancels
// its previous timer. Every arming gets a fresh generation so a callback that
// raced with Stop can be recognised as stale. Not safe for concurrent use;
// the controller serialises access.
type timerArena struct {
	clk    clock.Clock
	gen    uint64
	timers map[timerName]armedTimer
}

func newTimerArena(clk clock.Clock) *timerArena {
	return &timerArena{clk: clk, timers: make(map[timerName]armedTimer)}
}

// arm (re)starts name. fire receives the generation it was armed with.
func (a *timerArena) arm(name timerName, d time.Duration, fire func(gen uint64)) {
	a.cancel(name)
	a.gen++
	gen := a.gen
	t := a.clk.AfterFunc(d, func() { fire(gen) })
	a.timers[name] = armedTimer{t: t, gen: gen}
}

func (a *timerArena) cancel(name timerName) {
	if at, ok := a.timers[name]; ok {
		at.t.Stop()
		delete(a.timers, name)
	}
}

func (a *timerArena) cancelAll() {
	for name := range a.timers {
		a.cancel(name)
	}
}

// current reports whether gen is the live arming of name.
func (a *timerArena) current(name timerName, gen uint64) bool {
	at, ok := a.timers[name]
	return ok && at.gen == gen
}

// consume marks name as fired.
func (a *timerArena) consume(name timerName) {
	delete(a.timers, name)
}
