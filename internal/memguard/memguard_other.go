//go:build !linux

package memguard

import "math"

// systemAvailable is unknown off Linux; the caps and the Go memory limit still apply.
func systemAvailable() uint64 {
	return math.MaxUint64
}
