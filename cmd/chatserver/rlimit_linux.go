//go:build linux

package main

import (
	"log"

	"golang.org/x/sys/unix"
)

// raiseFileLimit lifts the soft open-file limit to the hard limit. Every
// WebSocket connection holds a descriptor.
func raiseFileLimit() {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		log.Printf("rlimit: getrlimit: %v", err)
		return
	}
	if lim.Cur >= lim.Max {
		return
	}
	lim.Cur = lim.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		log.Printf("rlimit: setrlimit: %v", err)
		return
	}
	log.Printf("rlimit: open file limit raised to %d", lim.Cur)
}
