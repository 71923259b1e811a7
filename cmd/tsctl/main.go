package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
)

var version = "dev"

func main() {
	addr := flag.String("addr", "http://localhost:8080", "tierstored API address")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "version":
		fmt.Printf("tsctl %s\n", version)
	case "status":
		cmdStatus(*addr)
	case "stats":
		cmdStats(*addr)
	case "get":
		requireArgs(args, 3, "tsctl get <class> <key>")
		cmdGet(*addr, args[1], args[2])
	case "put":
		requireArgs(args, 3, "tsctl put <class> <key> [value]")
		cmdPut(*addr, args[1], args[2], args[3:])
	case "delete":
		requireArgs(args, 3, "tsctl delete <class> <key>")
		cmdDelete(*addr, args[1], args[2])
	case "keys":
		requireArgs(args, 2, "tsctl keys <class> [prefix]")
		prefix := ""
		if len(args) > 2 {
			prefix = args[2]
		}
		cmdKeys(*addr, args[1], prefix)
	case "promote":
		requireArgs(args, 3, "tsctl promote <class> <key>")
		cmdMove(*addr, "promote", args[1], args[2])
	case "demote":
		requireArgs(args, 3, "tsctl demote <class> <key>")
		cmdMove(*addr, "demote", args[1], args[2])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, "usage: "+usage)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `tsctl - tierstore management CLI

Usage:
  tsctl [flags] <command> [args]

Commands:
  status                    Show daemon status and adapter health
  stats                     Show per-class operation counters
  get <class> <key>         Read a value
  put <class> <key> [value] Write a value (reads stdin when omitted)
  delete <class> <key>      Delete a value
  keys <class> [prefix]     List keys
  promote <class> <key>     Copy a record into a hotter class
  demote <class> <key>      Move a record into a colder class
  version                   Show version

Flags:
  -addr string   API address (default "http://localhost:8080")`)
}

func cmdStatus(addr string) {
	resp, err := http.Get(addr + "/v1/status")
	exitOn(err)
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdStats(addr string) {
	resp, err := http.Get(addr + "/v1/stats")
	exitOn(err)
	defer resp.Body.Close()

	var stats map[string]struct {
		TotalOperations uint64 `json:"total_operations"`
		Hits            uint64 `json:"hits"`
		Misses          uint64 `json:"misses"`
		Errors          uint64 `json:"errors"`
		StorageUsed     int64  `json:"storage_used"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLASS\tOPS\tHITS\tMISSES\tERRORS\tUSED")
	for class, s := range stats {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n",
			class, s.TotalOperations, s.Hits, s.Misses, s.Errors, s.StorageUsed)
	}
	w.Flush()
}

func cmdGet(addr, class, key string) {
	resp, err := http.Get(addr + "/v1/store/" + class + "/" + key)
	exitOn(err)
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdPut(addr, class, key string, rest []string) {
	var value []byte
	if len(rest) > 0 {
		value = []byte(strings.Join(rest, " "))
	} else {
		var err error
		value, err = io.ReadAll(os.Stdin)
		exitOn(err)
	}

	req, err := http.NewRequest(http.MethodPut, addr+"/v1/store/"+class+"/"+key, strings.NewReader(string(value)))
	exitOn(err)
	resp, err := http.DefaultClient.Do(req)
	exitOn(err)
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdDelete(addr, class, key string) {
	req, err := http.NewRequest(http.MethodDelete, addr+"/v1/store/"+class+"/"+key, nil)
	exitOn(err)
	resp, err := http.DefaultClient.Do(req)
	exitOn(err)
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdKeys(addr, class, prefix string) {
	u := addr + "/v1/keys/" + class
	if prefix != "" {
		u += "?prefix=" + url.QueryEscape(prefix)
	}
	resp, err := http.Get(u)
	exitOn(err)
	defer resp.Body.Close()

	var res struct {
		Success  bool     `json:"success"`
		Keys     []string `json:"keys"`
		Error    string   `json:"error"`
		Complete bool     `json:"complete"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}
	if !res.Success {
		fmt.Fprintf(os.Stderr, "error: %s\n", res.Error)
		os.Exit(1)
	}
	for _, k := range res.Keys {
		fmt.Println(k)
	}
	if !res.Complete {
		fmt.Fprintln(os.Stderr, "(listing truncated)")
	}
}

func cmdMove(addr, op, class, key string) {
	resp, err := http.Post(addr+"/v1/admin/"+op+"/"+class+"/"+key, "", nil)
	exitOn(err)
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(r io.Reader) {
	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
