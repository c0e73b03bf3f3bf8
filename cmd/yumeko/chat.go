package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with the persona through the relay",
	Long: `Send a message through the relay and print the reply. With no
arguments an interactive session starts; type "exit" or press Ctrl-D
to leave.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if len(args) > 0 {
			return sendChat(ctx, client, strings.Join(args, " "))
		}

		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Fprint(os.Stderr, paint(ansiBold, "you> "))
			if !scanner.Scan() {
				fmt.Fprintln(os.Stderr)
				return scanner.Err()
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "exit" || line == "quit" {
				return nil
			}
			if err := sendChat(ctx, client, line); err != nil {
				printError("%v", err)
			}
		}
	},
}

// sendChat posts one message and prints the reply. Streamed fragments
// are printed line by line as they arrive; the final line is skipped
// when fragments were already shown since it repeats the full text.
func sendChat(ctx context.Context, client *apiClient, message string) error {
	resp, err := client.post(ctx, "/chat", map[string]string{"message": message})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}

	sawChunks := false
	dec := json.NewDecoder(resp.Body)
	for {
		var line struct {
			TaskID   string `json:"task_id"`
			Response string `json:"response"`
			Final    bool   `json:"final"`
		}
		if err := dec.Decode(&line); err != nil {
			if sawChunks {
				return nil // stream ended after fragments, final already implied
			}
			return fmt.Errorf("reading reply: %w", err)
		}
		if line.Final {
			if !sawChunks {
				printReply(line.Response)
			}
			return nil
		}
		sawChunks = true
		printReply(line.Response)
	}
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the merged conversation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/history")
		if err != nil {
			return err
		}

		var result struct {
			History []struct {
				Role      string `json:"role"`
				Content   string `json:"content"`
				Timestamp string `json:"time"`
			} `json:"history_data"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.History) == 0 {
			printWarning("no history yet")
			return nil
		}
		for _, t := range result.History {
			fmt.Fprintf(os.Stdout, "[%s] %s: %s\n", t.Timestamp, t.Role, t.Content)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
}
