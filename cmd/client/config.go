package main

import (
	"time"

	"github.com/spf13/pflag"
)

// Config holds load generator configuration.
type Config struct {
	Addr     string
	Conns    int
	Messages int
	Interval time.Duration
	Payload  string
}

func parseFlags(args []string) (Config, error) {
	var cfg Config
	fs := pflag.NewFlagSet("hotproxy-client", pflag.ContinueOnError)
	fs.SortFlags = false
	fs.StringVar(&cfg.Addr, "addr", "127.0.0.1:8080", "proxy address")
	fs.IntVar(&cfg.Conns, "conns", 200, "number of concurrent connections")
	fs.IntVar(&cfg.Messages, "messages", 200, "messages written on each connection")
	fs.DurationVar(&cfg.Interval, "interval", time.Second, "delay between messages on one connection")
	fs.StringVar(&cfg.Payload, "payload", "Hello, server!", "message body")
	err := fs.Parse(args)
	return cfg, err
}
