package scheduler

import "runtime"

// OwnerCheck reports whether the calling goroutine is the scheduler's owner.
type OwnerCheck func() bool

// CurrentGoroutine returns an OwnerCheck bound to the calling goroutine.
//
// Pair it with runtime.LockOSThread in the owning loop when the work touches
// thread-affine native state.
func CurrentGoroutine() OwnerCheck {
	id := goroutineID()
	return func() bool { return goroutineID() == id }
}

func neverOwner() bool { return false }

// goroutineID parses the id from the "goroutine N [running]:" stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
