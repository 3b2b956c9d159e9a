package cmd

import "github.com/urfave/cli/v2"

// RootCommands returns all subcommands of the faultline CLI. Every call
// builds new commands, each with its own flag values.
func RootCommands() cli.Commands {
	return cli.Commands{
		NewSoakCommand(),
		NewHealthcheckCommand(),
	}
}

var RootFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:  "v",
		Usage: "verbose output (equivalent to DEBUG log level)",
	},
	&cli.BoolFlag{
		Name:  "vv",
		Usage: "super verbose output (equivalent to DEBUG log level for now, it may accommodate TRACE in the future)",
	},
}
