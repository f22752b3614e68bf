package clock

import "time"

// Clock reads the wall clock.
type Clock struct{}

// NowUnix returns current unix seconds.
func (Clock) NowUnix() int64 {
	return time.Now().Unix()
}

// Fixed always reports the same instant.
type Fixed int64

// NowUnix returns the fixed unix seconds.
func (f Fixed) NowUnix() int64 {
	return int64(f)
}
