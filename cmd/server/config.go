package main

import (
	"github.com/matst80/hotproxy/internal/config"
	"github.com/spf13/pflag"
)

// Flags holds the command line. Everything else comes from the config file.
type Flags struct {
	Takeover   bool
	ConfigPath string
	Debug      bool
	Gops       bool
}

func parseFlags(args []string) (Flags, error) {
	var f Flags
	fs := pflag.NewFlagSet("hotproxy", pflag.ContinueOnError)
	fs.SortFlags = false
	fs.BoolVarP(&f.Takeover, "takeover", "t", false, "take over sockets from the running instance instead of binding fresh")
	fs.StringVarP(&f.ConfigPath, "config", "c", config.DefaultPath, "path to the YAML configuration file")
	fs.BoolVar(&f.Debug, "debug", false, "enable debug logs")
	fs.BoolVar(&f.Gops, "gops", false, "start a gops diagnostics agent")
	err := fs.Parse(args)
	return f, err
}
