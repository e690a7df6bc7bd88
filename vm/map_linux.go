//go:build linux

package vm

import "golang.org/x/sys/unix"

// mapDemand means use MAP_FIXED only if it won't clobber other maps.
const mapDemand = unix.MAP_FIXED_NOREPLACE
