package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
)

type ipcRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type ipcResponse struct {
	OK               bool       `json:"ok,omitempty"`
	Error            string     `json:"error,omitempty"`
	ID               string     `json:"id,omitempty"`
	RunID            string     `json:"run_id,omitempty"`
	Items            []workItem `json:"items,omitempty"`
	Status           string     `json:"status,omitempty"`
	SalaryBalance    int64      `json:"salary_balance,omitempty"`
	PerformanceScore float64    `json:"performance_score,omitempty"`
	TokenBudget      int64      `json:"token_budget,omitempty"`
	LowStreak        int        `json:"low_streak,omitempty"`
}

type workItem struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	AssignedTo string   `json:"assigned_to"`
	Status     string   `json:"status"`
	Priority   int      `json:"priority"`
	Score      *float64 `json:"score"`
}

func sendIPC(natsURL, agentID, reqType string, payload map[string]any) (*ipcResponse, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	topic := fmt.Sprintf("host.ipc.%s", agentID)
	data, err := json.Marshal(ipcRequest{Type: reqType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := conn.Request(topic, data, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ipc request: %w", err)
	}

	var resp ipcResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  bptool send-message --channel "..." --content "..."`)
	fmt.Fprintln(os.Stderr, `  bptool log-update --summary "..." [--channel "..."]`)
	fmt.Fprintln(os.Stderr, `  bptool add-work-item --title "..." [--description "..."] [--assignee "..."] [--channel "..."] [--priority N]`)
	fmt.Fprintln(os.Stderr, `  bptool list-work-items [--status open|in_progress|done] [--mine true]`)
	fmt.Fprintln(os.Stderr, `  bptool complete-work-item --id "..." [--score 0.9]`)
	fmt.Fprintln(os.Stderr, `  bptool learn --content "..."`)
	fmt.Fprintln(os.Stderr, `  bptool start-pipeline --name "..." --channel "..." [--task "..."]`)
	fmt.Fprintln(os.Stderr, "  bptool status")
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// call sends the request and dies on transport or host-side errors, so
// command handlers only deal with the success path.
func call(natsURL, agentID, reqType string, payload map[string]any) *ipcResponse {
	resp, err := sendIPC(natsURL, agentID, reqType, payload)
	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}
	return resp
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}
	agentID := os.Getenv("AGENT_ID")
	if agentID == "" {
		fatal("AGENT_ID is not set, bptool only works inside an agent container")
	}

	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	args := parseArgs(os.Args[2:])

	switch command {
	case "send-message":
		if args["channel"] == "" || args["content"] == "" {
			fatal("--channel and --content are required")
		}
		resp := call(natsURL, agentID, "send_message", map[string]any{
			"channel": args["channel"],
			"content": args["content"],
		})
		fmt.Printf("Message sent: %s\n", resp.ID)

	case "log-update":
		if args["summary"] == "" {
			fatal("--summary is required")
		}
		payload := map[string]any{"summary": args["summary"]}
		if args["channel"] != "" {
			payload["channel"] = args["channel"]
		}
		resp := call(natsURL, agentID, "log_update", payload)
		fmt.Printf("Update logged: %s\n", resp.ID)

	case "add-work-item":
		if args["title"] == "" {
			fatal("--title is required")
		}
		payload := map[string]any{"title": args["title"]}
		if args["description"] != "" {
			payload["description"] = args["description"]
		}
		if args["assignee"] != "" {
			payload["assignee"] = args["assignee"]
		}
		if args["channel"] != "" {
			payload["channel"] = args["channel"]
		}
		if args["priority"] != "" {
			p, err := strconv.Atoi(args["priority"])
			if err != nil {
				fatal("--priority must be an integer")
			}
			payload["priority"] = p
		}
		resp := call(natsURL, agentID, "add_work_item", payload)
		fmt.Printf("Work item created: %s\n", resp.ID)

	case "list-work-items":
		payload := map[string]any{}
		if args["status"] != "" {
			payload["status"] = args["status"]
		}
		if args["mine"] == "true" {
			payload["mine"] = true
		}
		resp := call(natsURL, agentID, "list_work_items", payload)
		if len(resp.Items) == 0 {
			fmt.Println("No work items found.")
			break
		}
		for _, it := range resp.Items {
			assignee := it.AssignedTo
			if assignee == "" {
				assignee = "-"
			}
			score := "-"
			if it.Score != nil {
				score = fmt.Sprintf("%.2f", *it.Score)
			}
			fmt.Printf("  %s  %-12s  %-10s  p%d  %s  %s\n", it.ID, it.Status, assignee, it.Priority, score, it.Title)
		}

	case "complete-work-item":
		if args["id"] == "" {
			fatal("--id is required")
		}
		payload := map[string]any{"id": args["id"]}
		if args["score"] != "" {
			score, err := strconv.ParseFloat(args["score"], 64)
			if err != nil {
				fatal("--score must be a number")
			}
			payload["score"] = score
		}
		call(natsURL, agentID, "complete_work_item", payload)
		fmt.Println("Work item completed.")

	case "learn":
		if args["content"] == "" {
			fatal("--content is required")
		}
		call(natsURL, agentID, "learn", map[string]any{"content": args["content"]})
		fmt.Println("Learning recorded.")

	case "start-pipeline":
		if args["name"] == "" || args["channel"] == "" {
			fatal("--name and --channel are required")
		}
		payload := map[string]any{
			"name":    args["name"],
			"channel": args["channel"],
		}
		if args["task"] != "" {
			payload["task"] = args["task"]
		}
		resp := call(natsURL, agentID, "start_pipeline", payload)
		fmt.Printf("Pipeline started: %s\n", resp.RunID)

	case "status":
		resp := call(natsURL, agentID, "status", map[string]any{})
		fmt.Printf("Status:      %s\n", resp.Status)
		fmt.Printf("Balance:     %d\n", resp.SalaryBalance)
		fmt.Printf("Score:       %.2f\n", resp.PerformanceScore)
		fmt.Printf("Budget:      %d\n", resp.TokenBudget)
		fmt.Printf("Low streak:  %d\n", resp.LowStreak)

	default:
		fatal("unknown command: %s", command)
	}
}
