package forwarder

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Config is the forwarder's immutable process-wide configuration, built once
// at startup and threaded to every component constructor rather than kept as
// lazily-initialized singletons (spec §9 "Process-wide configuration").
type Config struct {
	// If1 is NW1, the relay-and-listen interface.
	If1 string
	// If1IPv6 selects NW1's address family.
	If1IPv6 bool
	// If2 is NW2, the learn-and-connect interface.
	If2 string
	// If2IPv6 selects NW2's address family.
	If2IPv6 bool

	// LogLevel is the minimum zerolog severity emitted.
	LogLevel zerolog.Level
}

// Validate resolves both interfaces and rejects a config that can't be
// acted on, mirroring original_source/src/cli.rs's get_app_ip fail-fast
// behavior (the distilled spec leaves interface resolution out of scope;
// this supplements it per SPEC_FULL.md).
func (c Config) Validate() error {
	if c.If1 == "" {
		return fmt.Errorf("if1 must be set")
	}
	if c.If2 == "" {
		return fmt.Errorf("if2 must be set")
	}
	if c.If1 == c.If2 {
		return fmt.Errorf("if1 and if2 must name distinct interfaces, got %q twice", c.If1)
	}
	if _, _, err := ResolveInterfaceAddr(c.If1, c.If1IPv6); err != nil {
		return fmt.Errorf("if1: %w", err)
	}
	if _, _, err := ResolveInterfaceAddr(c.If2, c.If2IPv6); err != nil {
		return fmt.Errorf("if2: %w", err)
	}
	return nil
}
