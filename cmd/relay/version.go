package main

import (
	"fmt"
	"runtime"

	"github.com/ternarybob/relay/internal/common"
)

// runVersion prints detailed version information.
func runVersion() {
	fmt.Printf("Relay %s\n", common.GetFullVersion())
	fmt.Printf("  go: %s\n", runtime.Version())
	fmt.Printf("  os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
