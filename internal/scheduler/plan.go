package scheduler

import "time"

// plan tracks when each action is due. It has no goroutines of its own.
type plan struct {
	// intervals holds the current periods.
	intervals Intervals
	// armed is true between start and stop.
	armed bool
	// due is the next firing time per action.
	due [numActions]time.Time
	// last is the previous firing time per action, or the start time.
	last [numActions]time.Time
}

// start arms every action. Poll is due immediately, the others one interval later.
func (p *plan) start(now time.Time) {
	p.armed = true

	for _, a := range Actions {
		p.last[a] = now
		p.due[a] = now.Add(p.intervals.Of(a))
	}

	p.due[Poll] = now
}

// stop disarms every action.
func (p *plan) stop() {
	p.armed = false
}

// next returns the earliest due time.
func (p *plan) next() (time.Time, bool) {
	if !p.armed {
		return time.Time{}, false
	}

	earliest := p.due[0]
	for _, a := range Actions[1:] {
		if p.due[a].Before(earliest) {
			earliest = p.due[a]
		}
	}

	return earliest, true
}

// take returns the actions due at now in firing order and schedules their next
// tick at max(previous due + interval, now). A late action is therefore run
// once and never replayed in a burst.
func (p *plan) take(now time.Time) []Action {
	if !p.armed {
		return nil
	}

	var fired []Action

	for _, a := range Actions {
		if p.due[a].After(now) {
			continue
		}

		next := p.due[a].Add(p.intervals.Of(a))
		if next.Before(now) {
			next = now
		}

		p.last[a] = now
		p.due[a] = next
		fired = append(fired, a)
	}

	return fired
}

// retime installs new intervals. While armed, each changed action's next tick
// moves to its last firing plus the new interval, but not before now.
func (p *plan) retime(intervals Intervals, now time.Time) {
	prev := p.intervals
	p.intervals = intervals

	if !p.armed {
		return
	}

	for _, a := range Actions {
		if prev.Of(a) == intervals.Of(a) {
			continue
		}

		next := p.last[a].Add(intervals.Of(a))
		if next.Before(now) {
			next = now
		}

		p.due[a] = next
	}
}
