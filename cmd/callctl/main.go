package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

const usage = `usage: callctl <command> [flags]

commands:
  keygen    create or rotate the local identity
  seal      encrypt stdin with a password
  unseal    decrypt a sealed secret from stdin
  token     sign a relay registration token
  discover  list relays on the local network
  call      place a call with synthetic media
  answer    wait for a call and accept it
  send      encrypt a message for a user
  open      decrypt messages exchanged with a user
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "keygen":
		err = runKeygen(ctx, args)
	case "seal":
		err = runSeal(args)
	case "unseal":
		err = runUnseal(args)
	case "token":
		err = runToken(args)
	case "discover":
		err = runDiscover(ctx, args)
	case "call":
		err = runCall(ctx, args, false)
	case "answer":
		err = runCall(ctx, args, true)
	case "send":
		err = runSend(ctx, args)
	case "open":
		err = runOpen(ctx, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "callctl %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: callctl %s [flags]\n", name)
		fs.PrintDefaults()
	}
	return fs
}
