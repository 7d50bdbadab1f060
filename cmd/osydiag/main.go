// osydiag talks to openSYDE style nodes over CAN and Ethernet: it finds
// nodes by broadcast, prints the routes to a node of a system definition and
// opens diagnostic sessions through the routers on the way.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := newApp()
	err := newRoot(a).ExecuteContext(ctx)
	a.closeLog()
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
