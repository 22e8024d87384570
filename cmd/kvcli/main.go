package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/mtillman/embergrove/internal/wire"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "get":
		getCmd()
	case "put":
		putCmd()
	case "delete":
		deleteCmd()
	case "range":
		rangeCmd()
	case "batch":
		batchCmd()
	case "ping":
		pingCmd()
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`kvcli - talk to a kvstored instance

Usage:
  kvcli <command> [options]

Commands:
  get     Fetch a value by key
  put     Store a key/value pair
  delete  Remove a key
  range   List key/value pairs in [start, end)
  batch   Store multiple key/value pairs in one request
  ping    Check liveness
  help    Show this help

Examples:
  kvcli put -addr localhost:7070 -key foo -value bar
  kvcli get -addr localhost:7070 -key foo
  kvcli range -addr localhost:7070 -start a -end m`)
}

func dial(addr string) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, 5*time.Second)
}

func roundTrip(addr string, cmd wire.Command) (string, error) {
	conn, err := dial(addr)
	if err != nil {
		return "", fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "%s\n", cmd.Encode()); err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	resp, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	return strings.TrimRight(resp, "\r\n"), nil
}

func getCmd() {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	addr := fs.String("addr", "localhost:7070", "Server address")
	key := fs.String("key", "", "Key (required)")
	fs.Parse(os.Args[2:])

	if *key == "" {
		fmt.Fprintln(os.Stderr, "error: -key is required")
		os.Exit(1)
	}

	resp, err := roundTrip(*addr, wire.Command{Verb: wire.VerbGet, Args: []string{*key}})
	fail(err)
	printResp(resp)
}

func putCmd() {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	addr := fs.String("addr", "localhost:7070", "Server address")
	key := fs.String("key", "", "Key (required)")
	value := fs.String("value", "", "Value (required)")
	fs.Parse(os.Args[2:])

	if *key == "" || *value == "" {
		fmt.Fprintln(os.Stderr, "error: -key and -value are required")
		os.Exit(1)
	}

	resp, err := roundTrip(*addr, wire.Command{Verb: wire.VerbPut, Args: []string{*key, *value}})
	fail(err)
	printResp(resp)
}

func deleteCmd() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	addr := fs.String("addr", "localhost:7070", "Server address")
	key := fs.String("key", "", "Key (required)")
	fs.Parse(os.Args[2:])

	if *key == "" {
		fmt.Fprintln(os.Stderr, "error: -key is required")
		os.Exit(1)
	}

	resp, err := roundTrip(*addr, wire.Command{Verb: wire.VerbDelete, Args: []string{*key}})
	fail(err)
	printResp(resp)
}

func rangeCmd() {
	fs := flag.NewFlagSet("range", flag.ExitOnError)
	addr := fs.String("addr", "localhost:7070", "Server address")
	start := fs.String("start", "", "Range start (inclusive)")
	end := fs.String("end", "", "Range end (exclusive)")
	fs.Parse(os.Args[2:])

	resp, err := roundTrip(*addr, wire.Command{Verb: wire.VerbRange, Args: []string{*start, *end}})
	fail(err)
	printResp(resp)
}

func batchCmd() {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	addr := fs.String("addr", "localhost:7070", "Server address")
	pairs := fs.String("pairs", "", "Comma-separated key=value pairs")
	fs.Parse(os.Args[2:])

	if *pairs == "" {
		fmt.Fprintln(os.Stderr, "error: -pairs is required, e.g. -pairs k1=v1,k2=v2")
		os.Exit(1)
	}

	var args []string
	for _, entry := range strings.Split(*pairs, ",") {
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			fmt.Fprintf(os.Stderr, "malformed pair %q, want key=value\n", entry)
			os.Exit(1)
		}
		args = append(args, kv[0], kv[1])
	}

	resp, err := roundTrip(*addr, wire.Command{Verb: wire.VerbBatch, Args: args})
	fail(err)
	printResp(resp)
}

func pingCmd() {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	addr := fs.String("addr", "localhost:7070", "Server address")
	fs.Parse(os.Args[2:])

	resp, err := roundTrip(*addr, wire.Command{Verb: wire.VerbPing})
	fail(err)
	printResp(resp)
}

func fail(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func printResp(resp string) {
	if strings.HasPrefix(resp, wire.RespError) {
		fmt.Fprintln(os.Stderr, resp)
		os.Exit(1)
	}
	fmt.Println(resp)
}
