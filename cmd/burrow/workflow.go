package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/burrowops/burrow/pkg/config"
	"github.com/burrowops/burrow/pkg/engine/db"
	"github.com/burrowops/burrow/pkg/kv"
)

func openDatabase(cmd *cobra.Command) (*db.Database, func(), error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}

	store, err := kv.Open(cfg.DataDir, kv.Options{RetryLimit: cfg.TxnRetryLimit})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	nc, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	database := db.New(store, db.NewNatsWakeBus(nc), db.Options{
		PollInterval: cfg.WorkerPollInterval,
	})
	cleanup := func() {
		nc.Close()
		store.Close()
	}
	return database, cleanup, nil
}

func parseTags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	tags := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, found := strings.Cut(pair, "=")
		if !found || k == "" {
			return nil, fmt.Errorf("invalid tag %q, expected key=value", pair)
		}
		tags[k] = v
	}
	return tags, nil
}

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage workflows",
}

var workflowDispatchCmd = &cobra.Command{
	Use:   "dispatch <name>",
	Short: "Dispatch a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, cleanup, err := openDatabase(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		input, _ := cmd.Flags().GetString("input")
		tagPairs, _ := cmd.Flags().GetStringSlice("tag")
		unique, _ := cmd.Flags().GetBool("unique")

		tags, err := parseTags(tagPairs)
		if err != nil {
			return err
		}
		if input != "" && !json.Valid([]byte(input)) {
			return fmt.Errorf("input is not valid JSON")
		}

		workflowID, err := database.DispatchWorkflow(cmd.Context(), uuid.New(), uuid.New(), args[0], tags, json.RawMessage(input), unique)
		if err != nil {
			return err
		}

		fmt.Printf("Workflow dispatched\n")
		fmt.Printf("  ID:   %s\n", workflowID)
		fmt.Printf("  Name: %s\n", args[0])
		return nil
	},
}

var workflowGetCmd = &cobra.Command{
	Use:   "get <workflow-id>",
	Short: "Show a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		workflowID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid workflow ID: %w", err)
		}

		database, cleanup, err := openDatabase(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		wf, err := database.GetWorkflow(cmd.Context(), workflowID)
		if err != nil {
			return err
		}

		fmt.Printf("Workflow %s\n", wf.ID)
		fmt.Printf("  Name:      %s\n", wf.Name)
		fmt.Printf("  Lifecycle: %s\n", wf.Lifecycle())
		fmt.Printf("  Ray:       %s\n", wf.RayID)
		if len(wf.Tags) > 0 {
			fmt.Printf("  Tags:      %v\n", wf.Tags)
		}
		if wf.Output != nil {
			fmt.Printf("  Output:    %s\n", wf.Output)
		}
		if wf.Error != "" {
			fmt.Printf("  Error:     %s\n", wf.Error)
		}
		return nil
	},
}

var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Manage signals",
}

var signalPublishCmd = &cobra.Command{
	Use:   "publish <name>",
	Short: "Publish a signal to a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		workflowIDStr, _ := cmd.Flags().GetString("workflow")
		workflowID, err := uuid.Parse(workflowIDStr)
		if err != nil {
			return fmt.Errorf("invalid workflow ID: %w", err)
		}

		body, _ := cmd.Flags().GetString("body")
		if body != "" && !json.Valid([]byte(body)) {
			return fmt.Errorf("body is not valid JSON")
		}

		database, cleanup, err := openDatabase(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		signalID := uuid.New()
		err = database.PublishSignal(cmd.Context(), uuid.New(), workflowID, signalID, args[0], json.RawMessage(body))
		if err != nil {
			return err
		}

		fmt.Printf("Signal published\n")
		fmt.Printf("  ID:       %s\n", signalID)
		fmt.Printf("  Workflow: %s\n", workflowID)
		return nil
	},
}

func init() {
	workflowDispatchCmd.Flags().String("input", "", "Workflow input (JSON)")
	workflowDispatchCmd.Flags().StringSlice("tag", nil, "Workflow tag (key=value, repeatable)")
	workflowDispatchCmd.Flags().Bool("unique", false, "Reuse an existing workflow with the same name and tags")
	workflowCmd.AddCommand(workflowDispatchCmd)
	workflowCmd.AddCommand(workflowGetCmd)

	signalPublishCmd.Flags().String("workflow", "", "Recipient workflow ID")
	signalPublishCmd.Flags().String("body", "", "Signal body (JSON)")
	_ = signalPublishCmd.MarkFlagRequired("workflow")
	signalCmd.AddCommand(signalPublishCmd)
}
