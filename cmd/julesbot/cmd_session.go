package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/julesbot/internal/tracker"
	"github.com/user/julesbot/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd, jobsCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionDeleteCmd)

	sessionListCmd.Flags().String("user", "", "only list sessions of this user")
	sessionShowCmd.Flags().String("after", "", "only show events at or after this RFC3339 timestamp")
	sessionShowCmd.Flags().Int("limit", 0, "only show the most recent N events")
}

// withStore opens the configured store for a one-shot command.
func withStore(fn func(ctx context.Context, app string, store types.SessionStore) error) error {
	cfg := loadConfig()
	setupLogging(cfg)
	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	defer store.Close()
	return fn(ctx, cfg.AppName, store)
}

func identity(app string, args []string) types.Identity {
	return types.Identity{AppName: app, UserID: args[0], SessionID: types.SessionID(args[1])}
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage session records",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		return withStore(func(ctx context.Context, app string, store types.SessionStore) error {
			list, err := store.List(ctx, app, user)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			if len(list) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}
			sort.Slice(list, func(i, j int) bool {
				return list[i].LastUpdateTime.After(list[j].LastUpdateTime)
			})

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "USER\tSESSION\tJOBS\tPOLLING\tUPDATED")
			for _, s := range list {
				st := s.State
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					s.UserID,
					s.SessionID,
					len(tracker.Jobs(&st)),
					len(tracker.AllPollable(&st)),
					s.LastUpdateTime.Local().Format("2006-01-02 15:04:05"),
				)
			}
			return w.Flush()
		})
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <user> <session>",
	Short: "Show a session's state and events",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		afterStr, _ := cmd.Flags().GetString("after")
		limit, _ := cmd.Flags().GetInt("limit")
		opts := types.GetOptions{Limit: limit}
		if afterStr != "" {
			after, err := time.Parse(time.RFC3339Nano, afterStr)
			if err != nil {
				return fmt.Errorf("invalid --after: %w", err)
			}
			opts.After = after
		}

		return withStore(func(ctx context.Context, app string, store types.SessionStore) error {
			sess, err := store.Get(ctx, identity(app, args), opts)
			if err != nil {
				return err
			}
			state, err := json.MarshalIndent(sess.State, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal state: %w", err)
			}
			fmt.Printf("Session:  %s\n", sess.Identity)
			fmt.Printf("Created:  %s\n", sess.CreatedAt.Local().Format(time.RFC3339))
			fmt.Printf("Updated:  %s\n", sess.LastUpdateTime.Local().Format(time.RFC3339))
			fmt.Printf("State:\n%s\n\n", state)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tAUTHOR\tTYPE\tCONTENT")
			for _, e := range sess.Events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format("2006-01-02 15:04:05"),
					e.Author,
					e.Type,
					summarize(e.Content, 80),
				)
			}
			return w.Flush()
		})
	},
}

func summarize(content json.RawMessage, width int) string {
	var msg types.MessageContent
	text := string(content)
	if err := json.Unmarshal(content, &msg); err == nil {
		switch {
		case msg.Text != "":
			text = msg.Text
		case msg.Tool != "" && msg.Result != "":
			text = msg.Tool + " -> " + msg.Result
		case msg.Tool != "":
			text = msg.Tool + " " + string(msg.Arguments)
		}
	}
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > width {
		text = string(r[:width-3]) + "..."
	}
	return text
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <user> <session>",
	Short: "Delete a session and its events",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, app string, store types.SessionStore) error {
			id := identity(app, args)
			if err := store.Delete(ctx, id); err != nil {
				return fmt.Errorf("delete session: %w", err)
			}
			fmt.Fprintf(os.Stdout, "Session %s deleted.\n", id)
			return nil
		})
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs <user> <session>",
	Short: "List the Jules jobs tracked by a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, app string, store types.SessionStore) error {
			sess, err := store.Get(ctx, identity(app, args), types.GetOptions{Limit: 1})
			if err != nil {
				return err
			}
			jobs := tracker.Jobs(&sess.State)
			if len(jobs) == 0 {
				fmt.Println("No tracked jobs.")
				return nil
			}
			handles := make([]string, 0, len(jobs))
			for h := range jobs {
				handles = append(handles, h)
			}
			sort.Strings(handles)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HANDLE\tSTATUS")
			for _, h := range handles {
				fmt.Fprintf(w, "%s\t%s\n", h, jobs[h])
			}
			return w.Flush()
		})
	},
}
