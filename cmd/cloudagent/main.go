package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"

	"github.com/cloudagent-dev/cloudagent/internal/apiclient"
)

var (
	app    = kingpin.New("cloudagent", "Submit coding tasks to a cloudagent server")
	url    = app.Flag("url", "Server URL").Default("http://localhost:8080").Envar("CLOUDAGENT_URL").String()
	apiKey = app.Flag("api-key", "API key").Envar("CLOUDAGENT_API_KEY").String()

	submitCmd    = app.Command("submit", "Submit a new task")
	submitPrompt = submitCmd.Arg("prompt", "Task instruction").Required().String()
	submitRepo   = submitCmd.Flag("repo", "Target repository URL").Required().String()
	submitParent = submitCmd.Flag("parent", "Parent task id to resume from").String()
	submitWatch  = submitCmd.Flag("watch", "Wait for the task to finish").Short('w').Bool()

	getCmd   = app.Command("get", "Show a task")
	getID    = getCmd.Arg("id", "Task id").Required().String()
	getWatch = getCmd.Flag("watch", "Wait for the task to finish").Short('w').Bool()

	listCmd    = app.Command("list", "List tasks, newest first")
	listStatus = listCmd.Flag("status", "Filter by status").String()
	listLimit  = listCmd.Flag("limit", "Page size").Default("20").Int()
	listOffset = listCmd.Flag("offset", "Page offset").Default("0").Int()

	logsCmd    = app.Command("logs", "Show a task's agent transcript")
	logsID     = logsCmd.Arg("id", "Task id").Required().String()
	logsLimit  = logsCmd.Flag("limit", "Page size").Default("100").Int()
	logsOffset = logsCmd.Flag("offset", "Page offset").Default("0").Int()

	filesCmd  = app.Command("files", "List or fetch a completed task's changed files")
	filesID   = filesCmd.Arg("id", "Task id").Required().String()
	filesPath = filesCmd.Flag("path", "Fetch one file and print it to stdout").String()

	sessionCmd = app.Command("session", "Download a task's session transcript for local resume")
	sessionID  = sessionCmd.Arg("id", "Task id").Required().String()

	cancelCmd = app.Command("cancel", "Cancel a queued or running task")
	cancelID  = cancelCmd.Arg("id", "Task id").Required().String()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := apiclient.New(*url, *apiKey)

	var err error
	switch command {
	case submitCmd.FullCommand():
		err = handleSubmit(ctx, client)
	case getCmd.FullCommand():
		err = handleGet(ctx, client)
	case listCmd.FullCommand():
		err = handleList(ctx, client)
	case logsCmd.FullCommand():
		err = handleLogs(ctx, client)
	case filesCmd.FullCommand():
		err = handleFiles(ctx, client)
	case sessionCmd.FullCommand():
		err = handleSession(ctx, client)
	case cancelCmd.FullCommand():
		err = handleCancel(ctx, client)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func handleSubmit(ctx context.Context, client *apiclient.Client) error {
	req := apiclient.CreateTaskRequest{
		Prompt:        *submitPrompt,
		RepositoryURL: *submitRepo,
		ParentTaskID:  *submitParent,
	}
	if creds := credentialsFromEnv(); creds != nil {
		req.Credentials = creds
	}
	t, err := client.CreateTask(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("Task %s submitted (%s)\n", t.ID, colorStatus(t.Status))
	if *submitWatch {
		return watch(ctx, client, t.ID)
	}
	return nil
}

func handleGet(ctx context.Context, client *apiclient.Client) error {
	t, err := client.GetTask(ctx, *getID)
	if err != nil {
		return err
	}
	printTask(t)
	if *getWatch && !terminal(t.Status) {
		return watch(ctx, client, t.ID)
	}
	return nil
}

func handleList(ctx context.Context, client *apiclient.Client) error {
	list, err := client.ListTasks(ctx, *listStatus, *listLimit, *listOffset)
	if err != nil {
		return err
	}
	for _, t := range list.Tasks {
		fmt.Printf("%s  %-10s  %s  %s\n",
			t.ID, colorStatus(t.Status), t.CreatedAt.Local().Format(time.RFC3339), truncate(t.Prompt, 60))
	}
	fmt.Printf("%d of %d tasks\n", len(list.Tasks), list.Total)
	return nil
}

func handleLogs(ctx context.Context, client *apiclient.Client) error {
	logs, err := client.GetLogs(ctx, *logsID, *logsLimit, *logsOffset)
	if err != nil {
		return err
	}
	for _, msg := range logs.Messages {
		printMessage(msg)
	}
	return nil
}

func handleFiles(ctx context.Context, client *apiclient.Client) error {
	if *filesPath != "" {
		f, err := client.GetFile(ctx, *filesID, *filesPath)
		if err != nil {
			return err
		}
		data, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			return fmt.Errorf("failed to decode file content: %w", err)
		}
		_, err = os.Stdout.Write(data)
		return err
	}
	files, err := client.GetFiles(ctx, *filesID)
	if err != nil {
		return err
	}
	for _, f := range files.Files {
		fmt.Println(f.Path)
	}
	return nil
}

func handleSession(ctx context.Context, client *apiclient.Client) error {
	s, err := client.GetSession(ctx, *sessionID)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "session id: %s\n", s.SessionID)
	fmt.Print(s.Transcript)
	return nil
}

func handleCancel(ctx context.Context, client *apiclient.Client) error {
	t, err := client.CancelTask(ctx, *cancelID)
	if err != nil {
		return err
	}
	fmt.Printf("Task %s is now %s\n", t.ID, colorStatus(t.Status))
	return nil
}

func watch(ctx context.Context, client *apiclient.Client, id string) error {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	last := ""
	for {
		t, err := client.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != last {
			fmt.Printf("%s  %s\n", time.Now().Format("15:04:05"), colorStatus(t.Status))
			last = t.Status
		}
		if terminal(t.Status) {
			printTask(t)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func printTask(t *apiclient.Task) {
	fmt.Printf("ID:         %s\n", t.ID)
	fmt.Printf("Status:     %s\n", colorStatus(t.Status))
	fmt.Printf("Repository: %s\n", t.RepositoryURL)
	fmt.Printf("Prompt:     %s\n", truncate(t.Prompt, 120))
	if t.ParentTaskID != "" {
		fmt.Printf("Parent:     %s\n", t.ParentTaskID)
	}
	if t.BranchName != "" {
		fmt.Printf("Branch:     %s\n", t.BranchName)
	}
	if t.SessionID != "" {
		fmt.Printf("Session:    %s\n", t.SessionID)
	}
	if t.Result != nil {
		fmt.Printf("Files:      %d changed\n", len(t.Result.ChangedFiles))
		if t.Result.Summary != "" {
			fmt.Printf("Summary:    %s\n", truncate(t.Result.Summary, 200))
		}
	}
	if t.Error != "" {
		fmt.Printf("Error:      %s\n", color.RedString(t.Error))
	}
}

func printMessage(raw json.RawMessage) {
	var env struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype,omitempty"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		fmt.Println(string(raw))
		return
	}
	label := env.Type
	if env.Subtype != "" {
		label += "/" + env.Subtype
	}
	fmt.Printf("%s %s\n", color.CyanString("[%s]", label), truncate(string(raw), 200))
}

func colorStatus(status string) string {
	switch status {
	case "completed":
		return color.GreenString(status)
	case "failed":
		return color.RedString(status)
	case "running":
		return color.YellowString(status)
	case "cancelled":
		return color.MagentaString(status)
	default:
		return status
	}
}

func terminal(status string) bool {
	switch status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func credentialsFromEnv() *apiclient.Credentials {
	creds := &apiclient.Credentials{
		AnthropicAPIKey:      os.Getenv("CLOUDAGENT_TASK_ANTHROPIC_API_KEY"),
		ClaudeCodeOAuthToken: os.Getenv("CLOUDAGENT_TASK_CLAUDE_CODE_OAUTH_TOKEN"),
		GithubToken:          os.Getenv("CLOUDAGENT_TASK_GITHUB_TOKEN"),
	}
	if creds.AnthropicAPIKey == "" && creds.ClaudeCodeOAuthToken == "" && creds.GithubToken == "" {
		return nil
	}
	return creds
}
