package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/Phuociter/medichat/internal/account"
	"github.com/Phuociter/medichat/internal/daemon"
	"github.com/Phuociter/medichat/internal/metrics"
)

func main() {
	accountFlag := flag.String("account", "", "account name (overrides config default)")
	flag.Parse()

	name := account.Resolve(*accountFlag)
	if err := account.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	metrics.MustRegister()

	app := fx.New(
		daemon.Module(daemon.Params{Account: name}),
	)

	app.Run()
}
