package main

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay and worker status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		resp, err := client.get(ctx, "/health")
		if err != nil {
			return err
		}

		var health struct {
			Status          string `json:"status"`
			WorkerConnected bool   `json:"worker_connected"`
			PendingTasks    int    `json:"pending_tasks"`
		}
		if err := decodeJSON(resp, &health); err != nil {
			return err
		}

		printHeading("yumeko status")
		printStatus("relay", "%s (%s)", health.Status, client.baseURL)
		if health.WorkerConnected {
			printStatus("worker", "connected")
		} else {
			printStatus("worker", "%s", paint(ansiYellow, "not connected"))
		}
		printStatus("pending tasks", "%d", health.PendingTasks)

		tasksResp, err := client.get(ctx, "/tasks?limit=5")
		if err != nil {
			return nil // health already shown, task log is best effort
		}
		var tasks struct {
			Tasks []struct {
				ID        string `json:"id"`
				Status    string `json:"status"`
				InputText string `json:"input_text"`
			} `json:"tasks"`
		}
		if err := decodeJSON(tasksResp, &tasks); err != nil {
			return nil
		}
		if len(tasks.Tasks) > 0 {
			printHeading("recent tasks")
			for _, t := range tasks.Tasks {
				input := t.InputText
				if len(input) > 48 {
					input = input[:48] + "…"
				}
				printStatus(t.Status, "%s  %s", t.ID[:8], input)
			}
		}
		return nil
	},
}
