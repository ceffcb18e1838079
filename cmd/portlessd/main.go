// Command portlessd is the reverse-proxy daemon: it serves
// "<name>.localhost" traffic to the backend registered for that hostname
// in the portless route registry.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v3"

	"github.com/portless-dev/portless/internal/daemon"
	"github.com/portless-dev/portless/internal/statedir"
)

func main() {
	err := exe(context.Background(), os.Stderr, os.Args[1:])
	switch {
	case err == nil:
		os.Exit(0)
	case errors.Is(err, flag.ErrHelp):
		os.Exit(1)
	case isSignalError(err):
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "portlessd: %v\n", err)
		os.Exit(1)
	}
}

func exe(ctx context.Context, stderr *os.File, args []string) error {
	fs := flag.NewFlagSet("portlessd", flag.ContinueOnError)
	var (
		portFlag     = fs.Uint("port", uint(statedir.DefaultPort), "proxy listen port")
		stateDirFlag = fs.String("state-dir", "", "override the registry/metadata directory")
	)
	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("PORTLESS")); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	port := uint16(*portFlag)

	dir := *stateDirFlag
	if dir == "" {
		dir = statedir.Resolve(port)
	}

	logger := log.New(stderr, "", log.LstdFlags)

	return daemon.Run(ctx, daemon.Config{
		StateDir: dir,
		Port:     port,
		Logger:   logger,
	})
}

func isSignalError(err error) bool {
	var sig run.SignalError
	return errors.As(err, &sig)
}
