// Shadow-sensor reports DHT22 temperature (Fahrenheit) and relative
// humidity to an AWS IoT thing shadow. A new reading is published each
// time the broker acknowledges the previous one.
//
// Usage:
//
//	shadow-sensor -t <thing> -e <endpoint> -p <gpio pin> [-v] [-c shadow.yaml]
//
// Certificates are read from ./cert/<thing>/; logs go to ./logs/temperature.log.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/nugget/thingshadow/internal/launcher"
)

func main() {
	ctx := context.Background()

	if err := launcher.Run(ctx, launcher.Sensor, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
