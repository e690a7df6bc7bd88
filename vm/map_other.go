//go:build !linux

package vm

import "golang.org/x/sys/unix"

// Hosts without MAP_FIXED_NOREPLACE fall back to a plain fixed map;
// the caller unmapped the range first so the clobber is benign.
const mapDemand = unix.MAP_FIXED
