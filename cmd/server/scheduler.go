package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// newSchedulerCmd builds the thin CLI surface spec.md §6 describes for
// the deferred/recurring schedulers: a REST client over the gateway's
// own /api/v1/schedulers routes (server.go), not a second code path into
// the scheduler internals.
func newSchedulerCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "inspect and manage deferred/recurring tasks on a running gateway",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "http://localhost:18789", "gateway HTTP address")

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "print pending deferred / active recurring counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return schedulerGet(addr, "/api/v1/schedulers/stats")
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list <userId>",
		Short: "list a user's recurring tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return schedulerGet(addr, "/api/v1/schedulers/tasks?userId="+args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "pause <taskId>",
		Short: "pause a recurring task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return schedulerPost(addr, "/api/v1/schedulers/tasks/"+args[0]+"/pause")
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "resume <taskId>",
		Short: "resume a paused recurring task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return schedulerPost(addr, "/api/v1/schedulers/tasks/"+args[0]+"/resume")
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <taskId>",
		Short: "delete a recurring task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return schedulerDelete(addr, "/api/v1/schedulers/tasks/"+args[0])
		},
	})

	return cmd
}

var schedulerHTTPClient = &http.Client{Timeout: 10 * time.Second}

func schedulerGet(addr, path string) error {
	resp, err := schedulerHTTPClient.Get(addr + path)
	if err != nil {
		return err
	}
	return printSchedulerResponse(resp)
}

func schedulerPost(addr, path string) error {
	resp, err := schedulerHTTPClient.Post(addr+path, "application/json", nil)
	if err != nil {
		return err
	}
	return printSchedulerResponse(resp)
}

func schedulerDelete(addr, path string) error {
	req, err := http.NewRequest(http.MethodDelete, addr+path, nil)
	if err != nil {
		return err
	}
	resp, err := schedulerHTTPClient.Do(req)
	if err != nil {
		return err
	}
	return printSchedulerResponse(resp)
}

func printSchedulerResponse(resp *http.Response) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("gateway returned %s: %s", resp.Status, string(body))
	}

	var pretty interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(string(out))
	return nil
}
