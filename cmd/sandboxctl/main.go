// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// sandboxctl is a thin command-line companion to sandboxd: every
// subcommand issues the same control-plane HTTP calls a façade client
// would, using X-User-Id for the caller identity sandboxd's handlers
// already expect.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/sandboxd/sandboxd/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}
	if args[0] == "--version" {
		fmt.Printf("sandboxctl %s\n", version.Info())
		return nil
	}

	cmd, rest := args[0], args[1:]

	var baseURL, userID string
	flagSet := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	flagSet.StringVar(&baseURL, "addr", "http://127.0.0.1:8080", "sandboxd façade address")
	flagSet.StringVar(&userID, "user", os.Getenv("SANDBOXCTL_USER"), "caller user ID (X-User-Id)")

	switch cmd {
	case "create":
		ttl := flagSet.Int("keepalive", 0, "initial keepalive TTL in seconds (0 = daemon default)")
		if err := flagSet.Parse(rest); err != nil {
			return err
		}
		if userID == "" {
			return fmt.Errorf("--user is required")
		}
		c := newClient(baseURL, userID)
		return runCreate(c, *ttl)

	case "list":
		filter := flagSet.String("filter", "", "fuzzy-match sandbox IDs against this pattern")
		if err := flagSet.Parse(rest); err != nil {
			return err
		}
		if userID == "" {
			return fmt.Errorf("--user is required")
		}
		c := newClient(baseURL, userID)
		return runList(c, *filter)

	case "destroy":
		snapshotFirst := flagSet.Bool("snapshot", false, "snapshot the sandbox before destroying it")
		if err := flagSet.Parse(rest); err != nil {
			return err
		}
		if err := requireArgs(flagSet, 1, "sandboxctl destroy <sandbox-id>"); err != nil {
			return err
		}
		if userID == "" {
			return fmt.Errorf("--user is required")
		}
		c := newClient(baseURL, userID)
		return runDestroy(c, flagSet.Arg(0), *snapshotFirst)

	case "exec":
		timeoutSeconds := flagSet.Int("timeout", 30, "exec timeout in seconds")
		if err := flagSet.Parse(rest); err != nil {
			return err
		}
		if flagSet.NArg() < 2 {
			return fmt.Errorf("usage: sandboxctl exec <sandbox-id> <argv...>")
		}
		if userID == "" {
			return fmt.Errorf("--user is required")
		}
		c := newClient(baseURL, userID)
		return runExec(c, flagSet.Arg(0), flagSet.Args()[1:], *timeoutSeconds)

	case "attach":
		if err := flagSet.Parse(rest); err != nil {
			return err
		}
		if err := requireArgs(flagSet, 1, "sandboxctl attach <sandbox-id>"); err != nil {
			return err
		}
		if userID == "" {
			return fmt.Errorf("--user is required")
		}
		c := newClient(baseURL, userID)
		return runAttach(c, flagSet.Arg(0))

	case "cat":
		if err := flagSet.Parse(rest); err != nil {
			return err
		}
		if err := requireArgs(flagSet, 2, "sandboxctl cat <sandbox-id> <path>"); err != nil {
			return err
		}
		if userID == "" {
			return fmt.Errorf("--user is required")
		}
		c := newClient(baseURL, userID)
		return runCat(c, flagSet.Arg(0), flagSet.Arg(1))

	case "watch":
		filter := flagSet.String("filter", "", "fuzzy-match sandbox IDs against this pattern")
		if err := flagSet.Parse(rest); err != nil {
			return err
		}
		if userID == "" {
			return fmt.Errorf("--user is required")
		}
		c := newClient(baseURL, userID)
		return runWatch(c, *filter)

	case "snapshots":
		if err := flagSet.Parse(rest); err != nil {
			return err
		}
		if userID == "" {
			return fmt.Errorf("--user is required")
		}
		c := newClient(baseURL, userID)
		if flagSet.NArg() == 0 {
			return runSnapshotList(c)
		}
		switch sub, subRest := flagSet.Arg(0), flagSet.Args()[1:]; sub {
		case "create":
			if len(subRest) != 1 {
				return fmt.Errorf("usage: sandboxctl snapshots create <sandbox-id>")
			}
			return runSnapshotCreate(c, subRest[0])
		case "restore":
			if len(subRest) != 2 {
				return fmt.Errorf("usage: sandboxctl snapshots restore <sandbox-id> <snapshot-id>")
			}
			return runSnapshotRestore(c, subRest[0], subRest[1])
		case "delete":
			if len(subRest) != 1 {
				return fmt.Errorf("usage: sandboxctl snapshots delete <snapshot-id>")
			}
			return runSnapshotDelete(c, subRest[0])
		default:
			return fmt.Errorf("usage: sandboxctl snapshots [create <sandbox-id>|restore <sandbox-id> <snapshot-id>|delete <snapshot-id>]")
		}

	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func requireArgs(flagSet *pflag.FlagSet, n int, usage string) error {
	if flagSet.NArg() < n {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `sandboxctl: control-plane companion CLI

Usage:
  sandboxctl create  [--keepalive SECONDS]
  sandboxctl list    [--filter PATTERN]
  sandboxctl destroy <sandbox-id> [--snapshot]
  sandboxctl exec    <sandbox-id> <argv...> [--timeout SECONDS]
  sandboxctl attach  <sandbox-id>
  sandboxctl cat     <sandbox-id> <path>
  sandboxctl watch   [--filter PATTERN]
  sandboxctl snapshots [create <sandbox-id>|restore <sandbox-id> <snapshot-id>|delete <snapshot-id>]

Global flags:
  --addr  sandboxd façade address (default http://127.0.0.1:8080)
  --user  caller user ID, or set SANDBOXCTL_USER`)
}
