package main

import (
	"context"
	"fmt"
	"os"
	_ "time/tzdata" // engine.timezone must resolve on hosts without zoneinfo
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
