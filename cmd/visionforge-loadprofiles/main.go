// Package main — cmd/visionforge-loadprofiles/main.go
//
// visionforge-loadprofiles runs a profile directory tree through the
// exact validation path the daemon uses at startup, without starting
// anything else. Intended for CI: gate a profile change before it
// reaches a running instance.
//
// Exit codes: 0 every profile valid, 1 any validation failure.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/multierr"

	"github.com/visionforge/visionforge/internal/profiles"
)

func main() {
	dir := flag.String("dir", "config", "Root of the profile directory tree to validate")
	quiet := flag.Bool("quiet", false, "Print nothing on success")
	flag.Parse()

	set, err := profiles.LoadDir(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: profile validation failed:\n", *dir)
		for _, e := range multierr.Errors(err) {
			fmt.Fprintf(os.Stderr, "  - %v\n", e)
		}
		os.Exit(1)
	}

	if !*quiet {
		fmt.Printf("%s: OK — %d analysis profiles, %d corrective stages\n",
			*dir, len(set.Analysis), countStages(set))
	}
}

func countStages(set *profiles.ProfileSet) int {
	n := 0
	for _, byTier := range set.Corrective {
		n += len(byTier)
	}
	return n
}
