// Command kilnctl is a small operator CLI for a running kilnd: it sends
// control commands and prints status over the HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	flags := flag.NewFlagSet(cmd, flag.ExitOnError)
	addr := flags.String("addr", "http://localhost:8080", "kilnd base URL")
	profilePath := flags.String("profile", "", "profile JSON file, or a stored profile name (run only)")
	startAt := flags.Float64("startat", -1, "schedule start offset in seconds (run only)")
	flags.Parse(os.Args[2:])

	client := &http.Client{Timeout: 10 * time.Second}

	var err error
	switch cmd {
	case "status":
		err = getJSON(client, *addr+"/status")
	case "history":
		err = getJSON(client, *addr+"/history")
	case "firings":
		err = getJSON(client, *addr+"/firings")
	case "run":
		err = sendRun(client, *addr, *profilePath, *startAt)
	case "stop", "pause", "resume":
		err = sendCommand(client, *addr, map[string]interface{}{"cmd": commandName(cmd)})
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: kilnctl COMMAND [flags]

Commands:
  status                     print the current oven state
  history                    print the downsampled firing history
  firings                    print the firing log
  run --profile FILE|NAME    start a firing [--startat SECONDS]
  stop                       abort the active firing
  pause                      pause the active firing
  resume                     resume a paused firing

Flags:
  --addr URL                 kilnd base URL (default http://localhost:8080)
`)
}

func commandName(cmd string) string {
	switch cmd {
	case "stop":
		return "STOP"
	case "pause":
		return "PAUSE"
	case "resume":
		return "RESUME"
	}
	return cmd
}

func sendRun(client *http.Client, addr, profileArg string, startAt float64) error {
	if profileArg == "" {
		return fmt.Errorf("--profile is required")
	}

	body := map[string]interface{}{"cmd": "RUN"}
	if data, err := os.ReadFile(profileArg); err == nil {
		body["profile"] = json.RawMessage(data)
	} else {
		// Not a readable file: treat it as a stored profile name.
		body["profile"] = profileArg
	}
	if startAt >= 0 {
		body["startat"] = startAt
	}
	return sendCommand(client, addr, body)
}

func sendCommand(client *http.Client, addr string, body map[string]interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := client.Post(addr+"/command", "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(data))
	}
	fmt.Println(string(bytes.TrimSpace(data)))
	return nil
}

func getJSON(client *http.Client, url string) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(data))
	}
	fmt.Println(string(bytes.TrimSpace(data)))
	return nil
}
