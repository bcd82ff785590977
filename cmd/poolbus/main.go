// Poolbus talks to pool equipment on an RS-485 bus.
//
// Usage:
//
//	poolbus sniff                     print bus traffic
//	poolbus replay capture.json       decode a recorded capture
//	poolbus pump run --rpm 2000       drive a pump
//	poolbus serve                     poll the configured equipment
//
// Settings are read from --config, POOLBUS_* environment variables and the
// connection flags, in increasing precedence.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
