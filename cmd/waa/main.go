package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/waa-agent/waa/internal/agent"
	"github.com/waa-agent/waa/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		run(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  waa run [--dir <workdir>] [--debug]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "The workdir must contain "+config.StateDirName+"/config.json and "+config.StateDirName+"/instruction.md.")
}

func run(args []string) {
	workdir := "."
	debug := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--debug":
			debug = true
		case "--dir":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--dir requires a value")
				os.Exit(1)
			}
			workdir = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	abs, err := filepath.Abs(workdir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve workdir: %v\n", err)
		os.Exit(1)
	}

	opts := []agent.Option{}
	if debug {
		opts = append(opts, agent.WithDebug())
	}
	a := agent.New(abs, opts...)
	if err := a.Initialize(); err != nil {
		if errors.Is(err, config.ErrMissingConfiguration) {
			fmt.Fprintf(os.Stderr, "workspace is not set up: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "initialize: %v\n", err)
		}
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("session %s finished: %s after %d turn(s)\n", a.ID(), a.Status(), a.Turns())
}
