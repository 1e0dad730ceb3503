// Package main is the entry point for the relaychat load test binary.
// It provides subcommands for different scenarios:
//
//   - saturate: opens N idle identified connections and holds them
//   - chat:     pairs of users exchange timestamped messages
//   - smoke:    single-pass check of presence, delivery and disconnect
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "smoke":
		runSmoke(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test, opens N idle connections")
	fmt.Println("  chat        Relay load test, pairs of users exchange messages")
	fmt.Println("  smoke       Presence and delivery check against a running server")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
