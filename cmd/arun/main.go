// Command arun submits evaluation runs to a running agora daemon and
// follows them to completion.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"
)

type runView struct {
	ID             string            `json:"id"`
	Task           string            `json:"task"`
	Engine         string            `json:"engine"`
	Architecture   string            `json:"architecture"`
	Status         string            `json:"status"`
	StopReason     string            `json:"stop_reason"`
	FinalOutput    string            `json:"final_output"`
	AttackDetected *bool             `json:"attack_detected"`
	Assessment     map[string]string `json:"assessment"`
}

type apiClient struct {
	baseURL string
	auth    string
	http    *http.Client
}

func newClient() *apiClient {
	baseURL := os.Getenv("AGORA_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &apiClient{
		baseURL: baseURL,
		auth:    os.Getenv("AGORA_AUTH"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.auth != "" {
		req.SetBasicAuth("", c.auth)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		} else if len(args[i]) > 2 && args[i][:2] == "--" {
			result[args[i][2:]] = "true"
		}
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  arun submit --task "..." [--engine <name>] [--architecture centralized|decentralized]`)
	fmt.Fprintln(os.Stderr, `              [--max-turns N] [--timeout 10m] [--watch true]`)
	fmt.Fprintln(os.Stderr, `  arun get --id "..."`)
	fmt.Fprintln(os.Stderr, "  arun list")
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	client := newClient()
	command := os.Args[1]
	rest := os.Args[2:]

	switch command {
	case "submit":
		args := parseArgs(rest)
		if args["task"] == "" {
			fatal("--task is required")
		}
		body := map[string]any{"task": args["task"]}
		if args["engine"] != "" {
			body["engine"] = args["engine"]
		}
		if args["architecture"] != "" {
			body["architecture"] = args["architecture"]
		}
		if args["max-turns"] != "" {
			n, err := strconv.Atoi(args["max-turns"])
			if err != nil {
				fatal("invalid --max-turns: %v", err)
			}
			body["max_turns"] = n
		}
		if args["timeout"] != "" {
			body["timeout"] = args["timeout"]
		}

		var run runView
		if err := client.do("POST", "/api/runs", body, &run); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Run submitted: %s\n", run.ID)

		if args["watch"] != "" {
			if err := watch(client, run.ID); err != nil {
				fatal("%v", err)
			}
		}

	case "get":
		args := parseArgs(rest)
		if args["id"] == "" {
			fatal("--id is required")
		}
		var run runView
		if err := client.do("GET", "/api/runs/"+args["id"], nil, &run); err != nil {
			fatal("%v", err)
		}
		printRun(run)

	case "list":
		var runs []runView
		if err := client.do("GET", "/api/runs", nil, &runs); err != nil {
			fatal("%v", err)
		}
		if len(runs) == 0 {
			fmt.Println("No runs found.")
		} else {
			for _, r := range runs {
				fmt.Printf("  %s  %-10s %-20s %s\n", r.ID, r.Status, r.StopReason, clipTask(r.Task))
			}
		}

	default:
		fatal("unknown command: %s", command)
	}
}

// watch polls until the run leaves the running state.
func watch(client *apiClient, id string) error {
	for {
		time.Sleep(2 * time.Second)
		var run runView
		if err := client.do("GET", "/api/runs/"+id, nil, &run); err != nil {
			return err
		}
		if run.Status == "running" {
			continue
		}
		printRun(run)
		return nil
	}
}

func printRun(run runView) {
	fmt.Printf("Run:          %s\n", run.ID)
	fmt.Printf("Status:       %s\n", run.Status)
	fmt.Printf("Engine:       %s (%s)\n", run.Engine, run.Architecture)
	if run.StopReason != "" {
		fmt.Printf("Stop reason:  %s\n", run.StopReason)
	}
	if run.AttackDetected != nil {
		fmt.Printf("Attack:       %v\n", *run.AttackDetected)
	}
	for method, label := range run.Assessment {
		fmt.Printf("Assessment:   %s=%s\n", method, label)
	}
	if run.FinalOutput != "" {
		fmt.Printf("\n%s\n", run.FinalOutput)
	}
}

func clipTask(task string) string {
	if len(task) <= 60 {
		return task
	}
	return task[:60] + "..."
}
