package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/phnx-im/air-sub001/internal/daemon"
	"github.com/phnx-im/air-sub001/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	flag.Parse()

	sessionName, err := session.Resolve(*sessionFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName}),
	)

	app.Run()
}
