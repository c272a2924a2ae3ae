package service

import "time"

// Clock is the loops' only source of time.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Uptime measures whole seconds since a fixed boot instant. entry_time
// and access-log timestamps use it, not wall-clock time.
type Uptime struct {
	clock Clock
	boot  time.Time
}

func NewUptime(c Clock) Uptime {
	return Uptime{clock: c, boot: c.Now()}
}

func (u Uptime) Seconds() int64 {
	return int64(u.clock.Now().Sub(u.boot) / time.Second)
}
