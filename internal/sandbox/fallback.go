//go:build !linux

package sandbox

import "fmt"

// newPlatform has no namespace-isolation backend on this OS; New() falls
// back to the process-level-only sandbox unconditionally.
func newPlatform(cfg Config) (Sandbox, error) {
	return nil, fmt.Errorf("sandbox: no namespace isolation backend on this platform")
}
