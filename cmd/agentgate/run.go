package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentgate/internal/model"
)

var (
	runTask       string
	runPath       string
	runRepo       string
	runBranch     string
	runIterations int
	runWallClock  int
	runPlan       string
	runNetwork    bool
	runFollow     bool
)

// stdoutSink prints subscribed events as JSON lines.
type stdoutSink struct{}

func (stdoutSink) Send(data []byte) error {
	_, err := os.Stdout.Write(append(data, '\n'))
	return err
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit one work order and wait for it to finish",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runTask == "" {
			return fmt.Errorf("--task is required")
		}
		source, err := resolveSource()
		if err != nil {
			return err
		}

		app, err := buildApplication()
		if err != nil {
			return err
		}
		defer app.Stop(context.Background())
		app.Start()

		order := &model.WorkOrder{
			Task:                runTask,
			Source:              source,
			Driver:              viper.GetString("driver"),
			MaxIterations:       runIterations,
			MaxWallClockSeconds: runWallClock,
			GatePlanSource:      runPlan,
			Policy:              model.SecurityPolicy{NetworkAllowed: runNetwork},
		}
		if order.Driver == "" {
			order.Driver = "claude"
		}
		id, err := app.Submit(order)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "submitted work order", id)

		if runFollow {
			app.Broadcaster().AddConnection("cli", stdoutSink{})
			app.Broadcaster().Subscribe("cli", id, nil)
		}

		final := waitForCompletion(app, id)
		out, _ := json.MarshalIndent(final, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		if final.Status != model.StatusSucceeded {
			return fmt.Errorf("work order %s ended %s: %s", id, final.Status, final.Error)
		}
		return nil
	},
}

func resolveSource() (model.WorkspaceSource, error) {
	switch {
	case runPath != "":
		return model.WorkspaceSource{Kind: model.SourceLocal, Path: runPath}, nil
	case runRepo != "":
		return model.WorkspaceSource{Kind: model.SourceGit, URL: runRepo, Branch: runBranch}, nil
	default:
		return model.WorkspaceSource{}, fmt.Errorf("one of --path or --repo is required")
	}
}

func waitForCompletion(app interface {
	GetWorkOrder(id string) (model.WorkOrder, bool)
}, id string) model.WorkOrder {
	for {
		order, ok := app.GetWorkOrder(id)
		if !ok {
			return model.WorkOrder{ID: id, Status: model.StatusFailed, Error: "work order vanished"}
		}
		if order.Status.Terminal() {
			return order
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runTask, "task", "", "Task prompt for the agent")
	runCmd.Flags().StringVar(&runPath, "path", "", "Local workspace directory")
	runCmd.Flags().StringVar(&runRepo, "repo", "", "Git URL to clone as the workspace")
	runCmd.Flags().StringVar(&runBranch, "branch", "", "Branch to check out for --repo")
	runCmd.Flags().IntVar(&runIterations, "iterations", 3, "Maximum build/verify iterations (1-10)")
	runCmd.Flags().IntVar(&runWallClock, "wall-clock", 3600, "Maximum wall clock seconds (60-86400)")
	runCmd.Flags().StringVar(&runPlan, "plan", "", "Path to a gate plan file (YAML or JSON)")
	runCmd.Flags().BoolVar(&runNetwork, "network", false, "Allow sandbox network access")
	runCmd.Flags().BoolVar(&runFollow, "follow", true, "Stream run events to stdout")
}
