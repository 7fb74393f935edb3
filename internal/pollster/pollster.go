// Package pollster implements the periodic fallback scanner: a recurring
// timer that polls whatever entities the ChangeSource cannot cover —
// either because the kernel monitor never opened, or because an entity
// lives on a remote host with no live peer connection.
//
// The ticking itself is delegated to the daemon's single Scheduler
// rather than a private ticker, since the Pollster must share one
// reactor goroutine with everything else.
package pollster

import (
	"time"

	"github.com/ncw/famd/internal/scheduler"
)

// Polled is anything the Pollster can tick: Interests and RemoteHosts
// both satisfy it.
type Polled interface {
	Poll()
}

// DefaultInterval is the default recurring tick.
const DefaultInterval = 6 * time.Second

// Pollster owns two polled sets and installs/removes a single recurring
// Scheduler task as those sets transition between empty and non-empty.
//
// Like the Interest graph and FilesystemTable, a Pollster is only ever
// touched from the reactor goroutine, so its sets need no locking;
// InstallRecurring/RemoveRecurring are themselves safe to call from
// there since they only enqueue a request.
type Pollster struct {
	sched    *scheduler.Scheduler
	interval time.Duration

	interests map[Polled]struct{}
	hosts     map[Polled]struct{}
	installed bool
}

// New returns a Pollster that ticks at interval (DefaultInterval if zero),
// driven by sched.
func New(sched *scheduler.Scheduler, interval time.Duration) *Pollster {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Pollster{
		sched:     sched,
		interval:  interval,
		interests: make(map[Polled]struct{}),
		hosts:     make(map[Polled]struct{}),
	}
}

// WatchInterest adds interest to the polled set. A no-op if it is already
// watched.
func (p *Pollster) WatchInterest(interest Polled) {
	p.interests[interest] = struct{}{}
	p.reconcile()
}

// ForgetInterest removes interest from the polled set.
func (p *Pollster) ForgetInterest(interest Polled) {
	delete(p.interests, interest)
	p.reconcile()
}

// WatchHost adds host to the polled set.
func (p *Pollster) WatchHost(host Polled) {
	p.hosts[host] = struct{}{}
	p.reconcile()
}

// ForgetHost removes host from the polled set.
func (p *Pollster) ForgetHost(host Polled) {
	delete(p.hosts, host)
	p.reconcile()
}

// empty reports whether both polled sets are empty.
func (p *Pollster) empty() bool {
	return len(p.interests) == 0 && len(p.hosts) == 0
}

// reconcile installs the recurring task on the empty-to-non-empty
// transition and removes it on the reverse: when both sets are empty,
// the recurring task is removed; when either becomes non-empty from
// empty, the task is re-installed.
func (p *Pollster) reconcile() {
	switch {
	case !p.empty() && !p.installed:
		p.installed = true
		p.sched.InstallRecurring(p.interval, p.tick)
	case p.empty() && p.installed:
		p.installed = false
		p.sched.RemoveRecurring()
	}
}

// tick polls every watched Interest, then every watched RemoteHost.
func (p *Pollster) tick() {
	for interest := range p.interests {
		interest.Poll()
	}
	for host := range p.hosts {
		host.Poll()
	}
}
