// Command amrctl ingests antimicrobial susceptibility reports, retrains the
// recommendation models and answers prediction queries.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	var a app
	err := newRootCmd(&a).ExecuteContext(ctx)
	stop()
	if cerr := a.close(context.Background()); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		exitFunc(1)
	}
}
