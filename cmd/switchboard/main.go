package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"switchboard/internal/gateway"
	"switchboard/internal/model"
	"switchboard/internal/setup"
	"switchboard/internal/status"
	"switchboard/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "send":
		runSend(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "jobs":
		runJobs(os.Args[2:])
	case "approve":
		runApprove(os.Args[2:], uds.CommandApprove)
	case "deny":
		runApprove(os.Args[2:], uds.CommandDeny)
	case "cancel":
		runCancel(os.Args[2:])
	case "version":
		fmt.Printf("switchboard %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `usage: switchboard <command> [options]

commands:
  setup [dir]                initialize a .switchboard/ home directory
  serve                      run the gateway daemon
  send --session <id> --text <msg> [--mode steer|collect|followup] [--key <idempotency_key>]
                             deliver one message through the pipeline
  status [--json]            show gateway, run and job status
  jobs [--status <s>] [--limit <n>]
                             list queued and finished jobs
  approve --session <id> [--token <t>]
                             grant the pending approval
  deny --session <id>        refuse the pending approval
  cancel --job <id> [--reason <r>]
                             cancel a job
  version                    print the version
`)
}

// findHomeDir walks up from the working directory looking for an
// existing .switchboard/ state directory. Falls back to ./.switchboard.
func findHomeDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ".switchboard"
	}
	for {
		candidate := filepath.Join(dir, ".switchboard")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ".switchboard"
}

func loadConfig(home string) (model.Config, error) {
	cfg, err := model.LoadConfig(filepath.Join(home, "config.yaml"))
	if err != nil {
		return cfg, err
	}
	if cfg.Gateway.Home == "" || cfg.Gateway.Home == model.DefaultConfig().Gateway.Home {
		cfg.Gateway.Home = home
	}
	if cfg.Gateway.Workspace == model.DefaultConfig().Gateway.Workspace {
		cfg.Gateway.Workspace = filepath.Join(home, "workspace")
	}
	if cfg.Gateway.InboxDir == model.DefaultConfig().Gateway.InboxDir {
		cfg.Gateway.InboxDir = filepath.Join(home, "inbox")
	}
	if cfg.Convo.Path == model.DefaultConfig().Convo.Path {
		cfg.Convo.Path = filepath.Join(home, "conversation.db")
	}
	return cfg, nil
}

func socketPath(home string) string {
	return filepath.Join(home, uds.DefaultSocketName)
}

func newClient(home string) *uds.Client {
	return uds.NewClient(socketPath(home))
}

func runSetup(args []string) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	if err := setup.Run(dir); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized .switchboard/ in %s\n", absDir)
}

func runServe(args []string) {
	if len(args) > 0 {
		fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: switchboard serve\n", args[0])
		os.Exit(1)
	}

	home := findHomeDir()
	cfg, err := loadConfig(home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	g, err := gateway.New(cfg, gateway.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "create gateway: %v\n", err)
		os.Exit(1)
	}
	if err := g.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func runSend(args []string) {
	var session, text, mode, key string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--session":
			i++
			session = flagValue(args, i, "--session")
		case "--text":
			i++
			text = flagValue(args, i, "--text")
		case "--mode":
			i++
			mode = flagValue(args, i, "--mode")
		case "--key":
			i++
			key = flagValue(args, i, "--key")
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: switchboard send --session <id> --text <msg>\n", args[i])
			os.Exit(1)
		}
	}
	if session == "" || text == "" {
		fmt.Fprintln(os.Stderr, "usage: switchboard send --session <id> --text <msg>")
		os.Exit(1)
	}

	resp := mustSend(uds.CommandSend, map[string]string{
		"channel":         "cli",
		"channel_session": session,
		"text":            text,
		"queue_mode":      mode,
		"idempotency_key": key,
	})

	var result struct {
		Kind  string `json:"kind"`
		Text  string `json:"text"`
		RunID string `json:"run_id"`
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		os.Exit(1)
	}
	if result.Text != "" {
		fmt.Println(result.Text)
	}
	if result.JobID != "" {
		fmt.Printf("job: %s\n", result.JobID)
	}
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: switchboard status [--json]\n", a)
			os.Exit(1)
		}
	}

	if err := status.Run(socketPath(findHomeDir()), jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runJobs(args []string) {
	var statusFilter string
	limit := 20
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--status":
			i++
			statusFilter = flagValue(args, i, "--status")
		case "--limit":
			i++
			v := flagValue(args, i, "--limit")
			if _, err := fmt.Sscanf(v, "%d", &limit); err != nil {
				fmt.Fprintf(os.Stderr, "--limit must be a number, got %q\n", v)
				os.Exit(1)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: switchboard jobs [--status <s>] [--limit <n>]\n", args[i])
			os.Exit(1)
		}
	}

	resp := mustSend(uds.CommandJobs, map[string]any{"status": statusFilter, "limit": limit})

	var listing struct {
		Jobs []struct {
			ID        string `json:"id"`
			Type      string `json:"type"`
			Status    string `json:"status"`
			Session   string `json:"session_key"`
			Attempts  int    `json:"attempts"`
			LastError string `json:"last_error"`
		} `json:"jobs"`
	}
	if err := json.Unmarshal(resp.Data, &listing); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		os.Exit(1)
	}
	if len(listing.Jobs) == 0 {
		fmt.Println("no jobs")
		return
	}
	fmt.Printf("%-22s  %-9s  %-10s  %-18s  %s\n", "JOB", "TYPE", "STATUS", "SESSION", "DETAIL")
	for _, j := range listing.Jobs {
		fmt.Printf("%-22s  %-9s  %-10s  %-18s  %s\n", j.ID, j.Type, j.Status, j.Session, j.LastError)
	}
}

func runApprove(args []string, command string) {
	var session, token string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--session":
			i++
			session = flagValue(args, i, "--session")
		case "--token":
			i++
			token = flagValue(args, i, "--token")
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: switchboard %s --session <id> [--token <t>]\n", args[i], command)
			os.Exit(1)
		}
	}
	if session == "" {
		fmt.Fprintf(os.Stderr, "usage: switchboard %s --session <id> [--token <t>]\n", command)
		os.Exit(1)
	}

	resp := mustSend(command, map[string]string{
		"channel_session": session,
		"token":           token,
	})

	var result struct {
		Text  string `json:"text"`
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		os.Exit(1)
	}
	if result.Text != "" {
		fmt.Println(result.Text)
	}
}

func runCancel(args []string) {
	var jobID, reason string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--job":
			i++
			jobID = flagValue(args, i, "--job")
		case "--reason":
			i++
			reason = flagValue(args, i, "--reason")
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: switchboard cancel --job <id>\n", args[i])
			os.Exit(1)
		}
	}
	if jobID == "" {
		fmt.Fprintln(os.Stderr, "usage: switchboard cancel --job <id> [--reason <r>]")
		os.Exit(1)
	}

	resp := mustSend(uds.CommandCancel, map[string]string{"job_id": jobID, "reason": reason})

	var result struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("job %s: %s\n", result.JobID, result.Status)
}

func flagValue(args []string, i int, flag string) string {
	if i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
		os.Exit(1)
	}
	return args[i]
}

func mustSend(command string, params any) *uds.Response {
	client := newClient(findHomeDir())
	resp, err := client.SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		if resp.Error != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", resp.Error.Code, resp.Error.Message)
		} else {
			fmt.Fprintln(os.Stderr, "request failed")
		}
		os.Exit(1)
	}
	return resp
}
