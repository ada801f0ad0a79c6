// Command dejafu-demo drives the engine against a handful of small,
// illustrative concurrent programs, printing whichever execution(s) each
// subcommand produces. It is a thin CLI shell, not a test harness: every
// scenario it runs is also exercised, more rigorously, by the package
// tests.
//
// Usage:
//
//	dejafu-demo run <scenario>     # run once under a fixed scheduler
//	dejafu-demo search <scenario>  # search all schedules up to a preemption bound
//	dejafu-demo list               # list available scenarios
package main

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/gip/dejafu/bpor"
	"github.com/gip/dejafu/conc"
	"github.com/gip/dejafu/dejafulog"
	"github.com/gip/dejafu/scenarios"
	"github.com/gip/dejafu/wbuffer"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	log := dejafulog.New(dejafulog.WithPrefix("dejafu-demo: "))

	switch os.Args[1] {
	case "run":
		runCommand(log, os.Args[2:])
	case "search":
		searchCommand(log, os.Args[2:])
	case "list":
		listCommand()
	case "version", "--version", "-v":
		fmt.Println("dejafu-demo version 0.1.0")
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`dejafu-demo - deterministic concurrency testing engine demo

USAGE:
    dejafu-demo <command> [arguments]

COMMANDS:
    run <scenario>     Run one scenario under a seeded random scheduler
    search <scenario>  Exhaustively search one scenario's schedules
    list               List available scenarios
    version            Show version information
    help               Show this help message
`)
}

func listCommand() {
	for _, name := range scenarios.Names() {
		fmt.Println(name)
	}
}

func runCommand(log *dejafulog.Logger, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: dejafu-demo run <scenario>")
		os.Exit(1)
	}
	s, ok := scenarios.Get(args[0])
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown scenario: %s\n", args[0])
		os.Exit(1)
	}

	sched := bpor.RandomScheduler(rand.New(rand.NewSource(1)))
	result, tr := conc.Run(s.Build(), wbuffer.TotalStoreOrder, s.Capabilities, sched)

	log.Printf("scenario %s: err=%v", s.Name, result.Err)
	fmt.Println(tr.String())
}

func searchCommand(log *dejafulog.Logger, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: dejafu-demo search <scenario> [preemptionBound]")
		os.Exit(1)
	}
	s, ok := scenarios.Get(args[0])
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown scenario: %s\n", args[0])
		os.Exit(1)
	}
	bound := 2
	if len(args) >= 2 {
		fmt.Sscanf(args[1], "%d", &bound)
	}

	outcomes, err := bpor.Explore(s.Build, wbuffer.TotalStoreOrder, s.Capabilities, bound)
	if err != nil {
		log.Printf("search errors: %v", err)
	}

	failures := 0
	for _, o := range outcomes {
		if o.Result.Err != nil {
			failures++
		}
	}
	log.Printf("scenario %s: explored %d schedules, %d failing", s.Name, len(outcomes), failures)
	for _, o := range outcomes {
		if o.Result.Err != nil {
			fmt.Printf("FAILURE: %v\n%s\n\n", o.Result.Err, o.Trace.String())
		}
	}
}
