// Shadow-display counts the delta messages of one AWS IoT thing shadow
// on a 32x32 LED board. Deltas that carry the voteFromTwilio flag flash
// the board red, every other delta flashes it green.
//
// Usage:
//
//	shadow-display -t <thing> -e <endpoint> [-v] [-c shadow.yaml]
//
// Certificates are read from ./cert/<thing>/; logs go to ./logs/voting.log.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/nugget/thingshadow/internal/launcher"
)

func main() {
	ctx := context.Background()

	if err := launcher.Run(ctx, launcher.Display, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
