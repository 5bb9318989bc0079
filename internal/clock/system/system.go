// Package system provides the wall clock used for crawl timestamps and image
// folder names.
package system

import "time"

// Clock implements pipeline.Clock.
type Clock struct {
	loc *time.Location
}

// New returns a clock reporting UTC.
func New() *Clock {
	return &Clock{loc: time.UTC}
}

// NewIn returns a clock reporting times in loc. A nil loc means UTC.
func NewIn(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{loc: loc}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	if c == nil || c.loc == nil {
		return time.Now().UTC()
	}
	return time.Now().In(c.loc)
}
