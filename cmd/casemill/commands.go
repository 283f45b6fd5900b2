package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/casemill/casemill/internal/config"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question against the mined case base",
	Long: `Ask a question against the mined case base.

The server answers only when a solved case backs the answer; otherwise
it stays silent.

Examples:
  casemill ask --channel support-room "how do I reset my password?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, _ := cmd.Flags().GetString("channel")
		if channel == "" {
			return fmt.Errorf("--channel is required")
		}
		question := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/ask", map[string]any{
			"channel_id": channel,
			"text":       question,
			"addressed":  true,
		})
		if err != nil {
			return err
		}
		if resp.StatusCode == 204 {
			resp.Body.Close()
			fmt.Println("No solved case covers this question.")
			return nil
		}

		var result struct {
			Text   string `json:"text"`
			CaseID string `json:"case_id"`
		}
		if err := decodeResponse(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Text)
		if result.CaseID != "" {
			fmt.Printf("\n%s %s\n", colorize(colorBold, "Backed by case:"), result.CaseID)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().String("channel", "", "channel id the question belongs to")
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Append chat messages to a channel buffer and queue mining",
	Long: `Append chat messages to a channel buffer and queue mining.

Examples:
  casemill ingest --channel support-room --sender a1b2 --text "restart fixed it, thanks!"
  casemill ingest --channel support-room --file ./transcript.jsonl`,
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, _ := cmd.Flags().GetString("channel")
		text, _ := cmd.Flags().GetString("text")
		sender, _ := cmd.Flags().GetString("sender")
		file, _ := cmd.Flags().GetString("file")

		if channel == "" {
			return fmt.Errorf("--channel is required")
		}
		if text == "" && file == "" {
			return fmt.Errorf("one of --text or --file is required")
		}

		var messages []map[string]any
		switch {
		case text != "":
			messages = append(messages, map[string]any{
				"sender_hash": sender,
				"text":        text,
			})
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			// One JSON message object per line.
			for i, line := range strings.Split(string(data), "\n") {
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				var m map[string]any
				if err := json.Unmarshal([]byte(line), &m); err != nil {
					return fmt.Errorf("line %d: %w", i+1, err)
				}
				messages = append(messages, m)
			}
			if len(messages) == 0 {
				return fmt.Errorf("file %s contains no messages", file)
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/channels/"+url.PathEscape(channel)+"/messages", map[string]any{
			"messages": messages,
		})
		if err != nil {
			return err
		}

		var result struct {
			Appended []string `json:"appended"`
			JobID    string   `json:"job_id"`
		}
		if err := decodeResponse(resp, &result); err != nil {
			return err
		}

		printSuccess("Appended %d message(s), queued job %s", len(result.Appended), result.JobID)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("channel", "", "channel id to append to")
	ingestCmd.Flags().String("text", "", "single message body to append")
	ingestCmd.Flags().String("sender", "", "sender hash for --text")
	ingestCmd.Flags().String("file", "", "JSONL file of message objects")
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the mining job queue",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, optionally filtered by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/jobs?limit=%d", limit)
		if status != "" {
			path += "&status=" + url.QueryEscape(status)
		}
		resp, err := client.get(path)
		if err != nil {
			return err
		}

		var result struct {
			Jobs []struct {
				ID        string `json:"id"`
				ChannelID string `json:"channel_id"`
				Status    string `json:"status"`
				Attempts  int    `json:"attempts"`
				LastError string `json:"last_error"`
				UpdatedAt string `json:"updated_at"`
			} `json:"jobs"`
		}
		if err := decodeResponse(resp, &result); err != nil {
			return err
		}

		if len(result.Jobs) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}

		for _, j := range result.Jobs {
			line := fmt.Sprintf("%s  %-9s  %s  attempts=%d",
				colorize(colorCyan, j.ID[:8]),
				j.Status,
				j.ChannelID,
				j.Attempts,
			)
			if j.LastError != "" {
				line += "  " + colorize(colorRed, j.LastError)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/jobs/"+url.PathEscape(args[0])+"/cancel", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeResponse(resp, &result); err != nil {
			return err
		}

		printSuccess("Cancelled job %s", result["id"])
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by status (pending, running, completed, failed, cancelled)")
	jobsListCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
}

// --- cases ---

var casesCmd = &cobra.Command{
	Use:   "cases",
	Short: "Browse mined cases",
}

var casesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cases, optionally scoped to a channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, _ := cmd.Flags().GetString("channel")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/cases?limit=%d", limit)
		if channel != "" {
			path += "&channel_id=" + url.QueryEscape(channel)
		}
		resp, err := client.get(path)
		if err != nil {
			return err
		}

		var result struct {
			Cases []struct {
				ID        string `json:"id"`
				ChannelID string `json:"channel_id"`
				Status    string `json:"status"`
				Title     string `json:"title"`
			} `json:"cases"`
		}
		if err := decodeResponse(resp, &result); err != nil {
			return err
		}

		if len(result.Cases) == 0 {
			fmt.Println("No cases found.")
			return nil
		}

		for _, c := range result.Cases {
			statusColor := colorYellow
			if c.Status == "solved" {
				statusColor = colorGreen
			}
			title := c.Title
			if len(title) > 80 {
				title = title[:80] + "..."
			}
			fmt.Printf("%s  %s  %s  %s\n",
				colorize(colorCyan, c.ID[:8]),
				colorize(statusColor, fmt.Sprintf("%-8s", c.Status)),
				c.ChannelID,
				title,
			)
		}
		return nil
	},
}

var casesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single case as JSON, including evidence message ids",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/cases/" + url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var c any
		if err := decodeResponse(resp, &c); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(c)
	},
}

var casesArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Archive a case so retrieval no longer considers it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/cases/"+url.PathEscape(args[0])+"/archive", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeResponse(resp, &result); err != nil {
			return err
		}

		printSuccess("Archived case %s", result["id"])
		return nil
	},
}

func init() {
	casesListCmd.Flags().String("channel", "", "restrict to one channel")
	casesListCmd.Flags().Int("limit", 20, "maximum number of cases to list")
	casesCmd.AddCommand(casesListCmd)
	casesCmd.AddCommand(casesShowCmd)
	casesCmd.AddCommand(casesArchiveCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
