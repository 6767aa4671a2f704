package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"wgsteward/cmd"
)

const (
	defaultConfig = "/etc/wgsteward/wgsteward.yaml"
	defaultAddr   = "127.0.0.1:8490"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serveFlags := flag.NewFlagSet("serve", flag.ExitOnError)
		configFile := serveFlags.String("config", defaultConfig, "Configuration file")
		serveFlags.StringVar(configFile, "c", defaultConfig, "Configuration file (short)")
		serveFlags.Parse(os.Args[2:])

		if err := cmd.RunServe(*configFile); err != nil {
			fail(err)
		}

	case "preview":
		previewFlags := flag.NewFlagSet("preview", flag.ExitOnError)
		addr := previewFlags.String("addr", defaultAddr, "Daemon API address")
		previewFlags.Parse(os.Args[2:])

		if err := cmd.RunPreview(*addr); err != nil {
			fail(err)
		}

	case "commit":
		commitFlags := flag.NewFlagSet("commit", flag.ExitOnError)
		addr := commitFlags.String("addr", defaultAddr, "Daemon API address")
		safety := commitFlags.Bool("safety", false, "Require confirmation within the deadline, else revert")
		commitFlags.BoolVar(safety, "s", false, "Safety mode (short)")
		deadline := commitFlags.String("deadline", "", "Confirmation deadline, e.g. 90s")
		commitFlags.Parse(os.Args[2:])

		if err := cmd.RunCommit(*addr, *safety, *deadline); err != nil {
			fail(err)
		}

	case "confirm":
		confirmFlags := flag.NewFlagSet("confirm", flag.ExitOnError)
		addr := confirmFlags.String("addr", defaultAddr, "Daemon API address")
		confirmFlags.Parse(os.Args[2:])
		if confirmFlags.NArg() != 1 {
			fail(fmt.Errorf("usage: wgsteward confirm <transaction-id>"))
		}
		if err := cmd.RunConfirm(*addr, confirmFlags.Arg(0)); err != nil {
			fail(err)
		}

	case "cancel":
		cancelFlags := flag.NewFlagSet("cancel", flag.ExitOnError)
		addr := cancelFlags.String("addr", defaultAddr, "Daemon API address")
		cancelFlags.Parse(os.Args[2:])
		if cancelFlags.NArg() != 1 {
			fail(fmt.Errorf("usage: wgsteward cancel <transaction-id>"))
		}
		if err := cmd.RunCancel(*addr, cancelFlags.Arg(0)); err != nil {
			fail(err)
		}

	case "status":
		statusFlags := flag.NewFlagSet("status", flag.ExitOnError)
		addr := statusFlags.String("addr", defaultAddr, "Daemon API address")
		statusFlags.Parse(os.Args[2:])

		if err := cmd.RunStatus(*addr); err != nil {
			fail(err)
		}

	case "show":
		showFlags := flag.NewFlagSet("show", flag.ExitOnError)
		configFile := showFlags.String("config", defaultConfig, "Configuration file")
		showFlags.StringVar(configFile, "c", defaultConfig, "Configuration file (short)")
		rules := showFlags.Bool("rules", false, "Print the firewall script instead of the interface config")
		showFlags.Parse(os.Args[2:])

		if err := cmd.RunShow(*configFile, *rules); err != nil {
			fail(err)
		}

	case "client-config":
		ccFlags := flag.NewFlagSet("client-config", flag.ExitOnError)
		addr := ccFlags.String("addr", defaultAddr, "Daemon API address")
		ccFlags.Parse(os.Args[2:])
		if ccFlags.NArg() != 1 {
			fail(fmt.Errorf("usage: wgsteward client-config <client-id>"))
		}
		id, err := strconv.ParseInt(ccFlags.Arg(0), 10, 64)
		if err != nil {
			fail(fmt.Errorf("invalid client id %q", ccFlags.Arg(0)))
		}
		if err := cmd.RunClientConfig(*addr, id); err != nil {
			fail(err)
		}

	case "audit":
		auditFlags := flag.NewFlagSet("audit", flag.ExitOnError)
		addr := auditFlags.String("addr", defaultAddr, "Daemon API address")
		limit := auditFlags.Int("n", 50, "Maximum number of events to print")
		auditFlags.Parse(os.Args[2:])

		if err := cmd.RunAudit(*addr, *limit); err != nil {
			fail(err)
		}

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func printUsage() {
	fmt.Print(`wgsteward - declarative WireGuard hub management

Usage: wgsteward <command> [options]

Daemon:
  serve            Run the daemon (API + commit coordinator)

Changes:
  preview          Show what a commit would change and how disruptive it is
  commit           Apply pending changes (-safety to require confirmation)
  confirm <id>     Finalize a safety-mode commit
  cancel <id>      Revert a safety-mode commit now
  status           Daemon and device state

Inspection:
  show             Print the compiled interface config (-rules for the firewall script)
  client-config    Print a client's importable tunnel config
  audit            Print recent configuration changes (-n to limit)

Options such as -addr and -config are per command; see <command> -h.
`)
}
