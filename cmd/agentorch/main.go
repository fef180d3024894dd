package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AGENTORCH/internal/runtime"
	"github.com/AGENTORCH/internal/types"
)

func main() {
	// Control flags talk to a running instance over HTTP; with none set
	// the process starts the runtime itself.
	port := flag.Int("port", 0, "HTTP control port (overrides HTTP_PORT)")
	status := flag.Bool("status", false, "Show status of the running instance")
	stop := flag.Bool("stop", false, "Stop the running instance gracefully")
	submitTask := flag.String("submit-task", "", "Submit a task spec file (yaml or json); prints the task id")
	listAgents := flag.Bool("list-agents", false, "Print the agent registry")
	replayVerdict := flag.String("replay-verdict", "", "Re-evaluate a verdict in dry-run and diff against the stored one")
	flag.Parse()

	cfg, err := types.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.HTTPPort = *port
	}
	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.HTTPPort)

	switch {
	case *status:
		os.Exit(getJSON(base + "/api/status"))
	case *stop:
		os.Exit(postJSON(base+"/api/shutdown", nil, nil))
	case *listAgents:
		os.Exit(getJSON(base + "/api/agents"))
	case *submitTask != "":
		os.Exit(submit(base, *submitTask))
	case *replayVerdict != "":
		os.Exit(replay(base, *replayVerdict))
	}

	run(cfg)
}

// run starts the runtime and blocks until a signal or a control-surface
// shutdown arrives
func run(cfg *types.Config) {
	rt, err := runtime.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	if err := rt.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Printf("Received %s, shutting down\n", sig)
	case <-rt.Done():
	}

	if err := rt.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Unclean stop: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// submit posts a task spec file; exit 0 on accept, 2 on reject
func submit(base, path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read spec: %v\n", err)
		return 2
	}

	var req types.TaskRequest
	if json.Valid(data) {
		err = json.Unmarshal(data, &req)
	} else {
		err = yaml.Unmarshal(data, &req)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Malformed spec: %v\n", err)
		return 2
	}

	var receipt struct {
		TaskID       string `json:"task_id"`
		AssignmentID string `json:"assignment_id"`
	}
	if code := postJSON(base+"/api/tasks", &req, &receipt); code != 0 {
		return 2
	}
	fmt.Println(receipt.TaskID)
	return 0
}

// replay diffs a dry-run re-evaluation against the stored verdict;
// exit non-zero on mismatch
func replay(base, verdictID string) int {
	var result struct {
		Match bool `json:"match"`
	}
	if code := postJSON(base+"/api/verdicts/"+verdictID+"/replay", nil, &result); code != 0 {
		return 1
	}
	if !result.Match {
		fmt.Println("MISMATCH: replayed verdict diverges from the stored one")
		return 3
	}
	fmt.Println("match")
	return 0
}

// getJSON prints a GET response body; exit status reflects success
func getJSON(url string) int {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Instance not reachable: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Println(string(bytes.TrimSpace(body)))
	if resp.StatusCode >= 400 {
		return 1
	}
	return 0
}

// postJSON posts a body and decodes the response into out (may be nil)
func postJSON(url string, body, out interface{}) int {
	client := &http.Client{Timeout: 30 * time.Second}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Encode error: %v\n", err)
			return 1
		}
		reader = bytes.NewReader(data)
	}

	resp, err := client.Post(url, "application/json", reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Instance not reachable: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "%s\n", bytes.TrimSpace(data))
		return 1
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			fmt.Fprintf(os.Stderr, "Decode error: %v\n", err)
			return 1
		}
	} else {
		fmt.Println(string(bytes.TrimSpace(data)))
	}
	return 0
}
