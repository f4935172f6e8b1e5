package main

import (
	"github.com/alecthomas/kong"

	"github.com/vitaminmoo/blesock/internal/cli"
)

func main() {
	var c cli.CLI
	ctx := kong.Parse(&c,
		kong.Name("blesock"),
		kong.Description("Message channels and multi-player sessions over BLE GATT"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	err := ctx.Run(&c)
	ctx.FatalIfErrorf(err)
}
