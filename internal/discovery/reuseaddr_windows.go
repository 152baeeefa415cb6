//go:build windows

package discovery

import "syscall"

// reuseAddrControl is a no-op on Windows, where SO_REUSEADDR has
// different (unsafe for this use) semantics than on unix; binding
// still proceeds, just without address reuse across restarts.
func reuseAddrControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
