package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/tundradb/tundra-go/cmd/tundra-cli/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Ping    commands.PingCmd   `cmd:"" help:"Open a session and send a heartbeat"`
		Status  commands.StatusCmd `cmd:"" help:"Fetch the status of a query"`
		Token   commands.TokenCmd  `cmd:"" help:"Generate a key pair JWT token"`
		Debug   bool               `help:"Enable debug mode."`
		Tracing string             `help:"Log level (trace, debug, info, warn, error)." default:"info" env:"TUNDRA_TRACING"`
		Version kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Tracing: cli.Tracing, Version: version})
	cmd.FatalIfErrorf(err)
}
