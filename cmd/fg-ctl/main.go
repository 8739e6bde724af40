package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
)

var version = "dev"

func main() {
	addr := flag.String("addr", "http://localhost:8080", "floodgate API address")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "version":
		fmt.Printf("fg-ctl %s\n", version)
	case "status":
		cmdStatus(*addr)
	case "put":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: fg-ctl put <event-id> <payload> [timestamp]")
			os.Exit(1)
		}
		ts := ""
		if len(args) > 3 {
			ts = args[3]
		}
		cmdPut(*addr, args[1], args[2], ts)
	case "get":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: fg-ctl get <event-id>")
			os.Exit(1)
		}
		cmdGet(*addr, args[1])
	case "update":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: fg-ctl update <event-id> <payload>")
			os.Exit(1)
		}
		cmdUpdate(*addr, args[1], args[2])
	case "delete":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: fg-ctl delete <event-id>")
			os.Exit(1)
		}
		cmdDelete(*addr, args[1])
	case "collate":
		cmdCollate(*addr)
	case "replay":
		cmdReplay(*addr, windowQuery(args[1:]))
	case "manifest":
		cmdManifest(*addr, windowQuery(args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `fg-ctl - floodgate event log CLI

Usage:
  fg-ctl [flags] <command> [args]

Commands:
  status                          Show log status
  put <id> <payload> [timestamp]  Append an event
  get <id>                        Fetch an event by id
  update <id> <payload>           Record a replacement payload
  delete <id>                     Record a tombstone
  collate                         Run one collation pass
  replay [from] [to]              Stream events in a window
  manifest [from] [to]            Presigned-URL replay manifest
  version                         Show version

Timestamps use the canonical form, e.g. 2024-06-01T120000.000000Z.

Flags:
  -addr string   API address (default "http://localhost:8080")`)
}

// windowQuery turns optional [from] [to] args into a query string.
func windowQuery(args []string) string {
	q := url.Values{}
	if len(args) > 0 && args[0] != "" {
		q.Set("from", args[0])
	}
	if len(args) > 1 && args[1] != "" {
		q.Set("to", args[1])
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func cmdStatus(addr string) {
	resp, err := http.Get(addr + "/v1/status")
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdPut(addr, eventID, payload, ts string) {
	body, _ := json.Marshal(map[string]interface{}{
		"event_id":  eventID,
		"timestamp": ts,
		"payload":   []byte(payload),
	})
	resp, err := http.Post(addr+"/v1/events", "application/json", bytes.NewReader(body))
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdGet(addr, eventID string) {
	resp, err := http.Get(addr + "/v1/events/" + url.PathEscape(eventID))
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		printJSON(resp.Body)
		os.Exit(1)
	}
	var ev struct {
		EventID   string `json:"event_id"`
		Timestamp string `json:"timestamp"`
		Payload   []byte `json:"payload"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ev); err != nil {
		fatal(fmt.Errorf("decoding response: %w", err))
	}
	fmt.Printf("%s\t%s\t%s\n", ev.EventID, ev.Timestamp, ev.Payload)
}

func cmdUpdate(addr, eventID, payload string) {
	body, _ := json.Marshal(map[string]interface{}{"payload": []byte(payload)})
	req, err := http.NewRequest(http.MethodPut, addr+"/v1/events/"+url.PathEscape(eventID), bytes.NewReader(body))
	if err != nil {
		fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdDelete(addr, eventID string) {
	req, err := http.NewRequest(http.MethodDelete, addr+"/v1/events/"+url.PathEscape(eventID), nil)
	if err != nil {
		fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdCollate(addr string) {
	resp, err := http.Post(addr+"/v1/admin/collate?min_batch=1", "", nil)
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdReplay(addr, query string) {
	resp, err := http.Get(addr + "/v1/replay" + query)
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()

	var events []struct {
		EventID   string `json:"event_id"`
		Timestamp string `json:"timestamp"`
		Payload   []byte `json:"payload"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		fatal(fmt.Errorf("decoding response: %w", err))
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tEVENT_ID\tBYTES")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%d\n", ev.Timestamp, ev.EventID, len(ev.Payload))
	}
	w.Flush()
}

func cmdManifest(addr, query string) {
	resp, err := http.Get(addr + "/v1/replay/manifest" + query)
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
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

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
