// Command chordsh is an interactive shell for talking to a running
// node's debug HTTP surface: lookups, ring-map traversal, finger table,
// and health.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"
)

func main() {
	addr := pflag.StringP("addr", "a", "http://localhost:9100", "address of a node's debug HTTP surface")
	timeout := pflag.DurationP("timeout", "t", 10*time.Second, "request timeout")
	pflag.Parse()

	fmt.Printf("chordring interactive shell. Connected to %s\n", *addr)
	fmt.Println("Available commands: lookup/map/fingers/debug/health/use/help/exit")
	fmt.Println("")

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	client := &http.Client{Timeout: *timeout}
	currentAddr := *addr

	for {
		input, err := line.Prompt(fmt.Sprintf("chord[%s]> ", currentAddr))
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				fmt.Println("Aborted")
				continue
			}
			break
		}
		line.AppendHistory(input)

		args := strings.Fields(strings.TrimSpace(input))
		if len(args) == 0 {
			continue
		}
		cmd := args[0]

		switch cmd {
		case "lookup", "get":
			if len(args) < 2 {
				fmt.Println("Usage: lookup <key>")
				continue
			}
			getJSON(client, currentAddr+"/lookup?key="+args[1])

		case "map":
			getJSON(client, currentAddr+"/map")

		case "fingers":
			getJSON(client, currentAddr+"/fingers")

		case "debug":
			getJSON(client, currentAddr+"/debug")

		case "health":
			resp, err := client.Get(currentAddr + "/health")
			if err != nil {
				fmt.Printf("health check failed: %v\n", err)
				continue
			}
			defer resp.Body.Close()

			var health map[string]interface{}
			if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
				fmt.Printf("failed to parse health response: %v\n", err)
				continue
			}
			if healthy, _ := health["healthy"].(bool); healthy {
				fmt.Printf("healthy: %v state=%v\n", healthy, health["state"])
			} else {
				fmt.Printf("unhealthy: state=%v\n", health["state"])
			}

		case "use", "connect":
			if len(args) < 2 {
				fmt.Println("Usage: use <addr>")
				continue
			}
			newAddr := args[1]
			if !strings.HasPrefix(newAddr, "http://") && !strings.HasPrefix(newAddr, "https://") {
				newAddr = "http://" + newAddr
			}
			resp, err := client.Get(newAddr + "/health")
			if err != nil {
				fmt.Printf("failed to connect to %s: %v\n", newAddr, err)
				continue
			}
			resp.Body.Close()
			currentAddr = newAddr
			fmt.Printf("switched to %s\n", currentAddr)

		case "help", "?":
			fmt.Println("Available commands:")
			fmt.Println("  lookup <key>   - resolve the (ip, port) responsible for key")
			fmt.Println("  map            - render the clockwise ring traversal from this node")
			fmt.Println("  fingers        - show the current finger table")
			fmt.Println("  debug          - show self/predecessor/successor/state")
			fmt.Println("  health         - check node health")
			fmt.Println("  use <addr>     - switch to a different node")
			fmt.Println("  help           - show this help")
			fmt.Println("  exit           - exit the shell")

		case "exit", "quit", "q":
			fmt.Println("bye")
			return

		default:
			fmt.Printf("unknown command: %s\n", cmd)
			fmt.Println("type 'help' for available commands")
		}
	}
}

func getJSON(client *http.Client, url string) {
	resp, err := client.Get(url)
	if err != nil {
		fmt.Printf("request failed: %v\n", err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Printf("failed to read response: %v\n", err)
		return
	}
	if resp.StatusCode >= 400 {
		fmt.Printf("status %d: %s\n", resp.StatusCode, strings.TrimSpace(string(body)))
		return
	}

	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		fmt.Println(string(body))
		return
	}
	pretty, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(pretty))
}
