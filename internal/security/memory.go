// Package security holds helpers for handling key material in memory.
//
// Key material must live in []byte, never string. Go strings are immutable
// and cannot be erased, so callers copy secrets into byte slices and call
// ZeroBytes once the material has been consumed.
package security

import "runtime"

// ZeroBytes overwrites data with zeros.
func ZeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
	// keeps the writes from being optimized away
	runtime.KeepAlive(data)
}

// ZeroAll zeros every slice in order.
func ZeroAll(slices ...[]byte) {
	for _, s := range slices {
		ZeroBytes(s)
	}
}
