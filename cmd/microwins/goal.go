package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"microwins/internal/client"
)

type clientOptions struct {
	server string
	user   string
	token  string
}

func (o *clientOptions) client() *client.Client {
	var opts []client.Option
	if o.token != "" {
		opts = append(opts, client.WithToken(o.token))
	} else if o.user != "" {
		opts = append(opts, client.WithUserID(o.user))
	}
	return client.New(o.server, opts...)
}

func newGoalCmd() *cobra.Command {
	opts := &clientOptions{}
	cmd := &cobra.Command{
		Use:   "goal",
		Short: "Talk to a running API",
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", envOr("MICROWINS_SERVER", "http://localhost:8080"), "API base URL")
	cmd.PersistentFlags().StringVar(&opts.user, "user", os.Getenv("MICROWINS_USER"), "user id sent as X-User-ID")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("MICROWINS_TOKEN"), "bearer token")

	cmd.AddCommand(newGoalCreateCmd(opts), newGoalStatusCmd(opts), newGoalWaitCmd(opts))
	return cmd
}

func newGoalCreateCmd(opts *clientOptions) *cobra.Command {
	var req client.CreateGoalRequest
	var wait bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a goal for decomposition",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			cmd.SetContext(ctx)
			c := opts.client()
			acc, err := c.CreateGoal(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", acc.GoalID, acc.Status)
			if !wait {
				return nil
			}
			return waitAndPrint(cmd, c, acc.GoalID)
		},
	}
	cmd.Flags().StringVar(&req.Title, "title", "", "goal title")
	cmd.Flags().StringVar(&req.Category, "category", "personal", "social|health|career|learning|creativity|finance|personal")
	cmd.Flags().IntVar(&req.TargetDays, "days", 0, "target days (default 100)")
	cmd.Flags().StringVar(&req.DifficultyPreference, "difficulty", "", "easy|medium|hard")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the steps and print them")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newGoalStatusCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <goal-id>",
		Short: "Print the current status of a goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newGoalWaitCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "wait <goal-id>",
		Short: "Poll until the goal completes or fails, then print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			cmd.SetContext(ctx)
			return waitAndPrint(cmd, opts.client(), args[0])
		},
	}
}

func waitAndPrint(cmd *cobra.Command, c *client.Client, goalID string) error {
	ctx := cmd.Context()
	updates := make(chan client.Status)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for st := range updates {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s (attempts %d)\n", goalID, st.Status, st.Attempts)
		}
	}()
	final, err := client.NewPoller(c, time.Second, 10*time.Second).Wait(ctx, goalID, updates)
	close(updates)
	<-done
	if err != nil {
		return err
	}
	if final.Status == "failed" {
		return fmt.Errorf("goal %s failed: %s", goalID, final.Error)
	}
	g, err := c.Goal(ctx, goalID)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), g)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
