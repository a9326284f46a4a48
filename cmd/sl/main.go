package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/analytics"
	"stageline/internal/app"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	"stageline/internal/repo"
	"stageline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stageline CLI",
	Long: `Stageline tracks applications through a configurable pipeline of stages.
- Workspace: the .stageline directory holding the database; pipeline config is stored in the DB and imported explicitly.
- Stages: each stage defines its legal successors, an estimated duration, and whether entering it needs approval.
- Timeline: every stage visit is recorded as an entry with progress, issues, notes, and action items.
- Transitions: an append-only audit log; approval-gated transitions park until approved or rejected.
- Analytics: per-stage statistics and bottleneck rankings over completed entries.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("pipeline", "", "pipeline name (overrides stored default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("pipeline", rootCmd.PersistentFlags().Lookup("pipeline"))
}

func registerCommands() {
	rootCmd.AddCommand(appCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(noteCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func appCmd() *cobra.Command {
	a := &cobra.Command{Use: "app", Short: "Manage applications"}
	a.AddCommand(appCreateCmd())
	a.AddCommand(appListCmd())
	a.AddCommand(appShowCmd())
	a.AddCommand(appTimelineCmd())
	a.AddCommand(appTransitionCmd())
	a.AddCommand(appApproveCmd())
	a.AddCommand(appRejectCmd())
	a.AddCommand(appPendingCmd())
	a.AddCommand(appWithdrawCmd())
	a.AddCommand(appProgressCmd())
	a.AddCommand(appAssignCmd())
	a.AddCommand(appUnassignCmd())
	return a
}

func appCreateCmd() *cobra.Command {
	var id, name, program string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an application",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateApplication(ctx, engine.ApplicationCreateOptions{
					ID:            id,
					CandidateName: name,
					Program:       program,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "application id (generated when omitted)")
	cmd.Flags().StringVar(&name, "name", "", "candidate name")
	cmd.Flags().StringVar(&program, "program", "", "program")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func appListCmd() *cobra.Command {
	var f repo.ApplicationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List applications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListApplications(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Candidate", "Program", "Status", "Created"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.CandidateName, a.Program, a.Status, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (active, withdrawn)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	cmd.Flags().StringVar(&f.CursorCreatedAt, "cursor-created-at", "", "pagination cursor timestamp")
	cmd.Flags().StringVar(&f.CursorID, "cursor-id", "", "pagination cursor id")
	return cmd
}

func appShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <application-id>",
		Short: "Show an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetApplication(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func appTimelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline <application-id>",
		Short: "Show the full stage timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Timeline(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Status", "Progress", "Entered", "Completed", "Issues", "Assignees"})
				for _, en := range entries {
					completed := ""
					if en.CompletedAt != nil {
						completed = *en.CompletedAt
					}
					open := 0
					for _, i := range en.Issues {
						if !i.Resolved() {
							open++
						}
					}
					tw.AppendRow(table.Row{en.Stage, en.Status, fmt.Sprintf("%d%%", en.Progress), en.EnteredAt, completed, open, strings.Join(en.AssignedTo, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func appTransitionCmd() *cobra.Command {
	var toStage, reason, notes string
	var automatic bool
	cmd := &cobra.Command{
		Use:   "transition <application-id>",
		Short: "Request a stage transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.TransitionStage(ctx, engine.TransitionOptions{
					ApplicationID: args[0],
					ToStage:       toStage,
					ActorID:       viper.GetString("actor-id"),
					Reason:        reason,
					Notes:         notes,
					Automatic:     automatic,
				})
				if err != nil {
					return err
				}
				for _, w := range res.Warnings {
					fmt.Fprintln(os.Stderr, "warning:", w)
				}
				return printJSONOrTable(res.Transition)
			})
		},
	}
	cmd.Flags().StringVar(&toStage, "to", "", "target stage")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().BoolVar(&automatic, "automatic", false, "record as an automatic transition")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func appApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <transition-id>",
		Short: "Approve a pending transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ApproveTransition(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				for _, w := range res.Warnings {
					fmt.Fprintln(os.Stderr, "warning:", w)
				}
				return printJSONOrTable(res.Transition)
			})
		},
	}
	return cmd
}

func appRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <transition-id>",
		Short: "Reject a pending transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RejectTransition(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Transition)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func appPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending <application-id>",
		Short: "List transitions awaiting approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTransitions(ctx, repo.TransitionFilters{
					ApplicationID: args[0],
					PendingOnly:   true,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func appWithdrawCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "withdraw <application-id>",
		Short: "Withdraw an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.WithdrawApplication(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "withdrawal reason")
	return cmd
}

func appProgressCmd() *cobra.Command {
	var stage string
	var progress int
	var allowRegression bool
	cmd := &cobra.Command{
		Use:   "progress <application-id>",
		Short: "Update active entry progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.UpdateProgress(ctx, args[0], stage, progress, viper.GetString("actor-id"), allowRegression)
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "expected active stage")
	cmd.Flags().IntVar(&progress, "progress", 0, "progress 0-100")
	cmd.Flags().BoolVar(&allowRegression, "allow-regression", false, "permit progress to decrease")
	_ = cmd.MarkFlagRequired("progress")
	return cmd
}

func appAssignCmd() *cobra.Command {
	var stage, assignee string
	cmd := &cobra.Command{
		Use:   "assign <application-id>",
		Short: "Assign an actor to the active entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.AssignEntry(ctx, args[0], stage, assignee)
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "expected active stage")
	cmd.Flags().StringVar(&assignee, "assignee", "", "actor id to assign")
	_ = cmd.MarkFlagRequired("assignee")
	return cmd
}

func appUnassignCmd() *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "unassign <application-id>",
		Short: "Remove an actor from the active entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.UnassignEntry(ctx, args[0], "", assignee)
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "actor id to remove")
	_ = cmd.MarkFlagRequired("assignee")
	return cmd
}

func issueCmd() *cobra.Command {
	ic := &cobra.Command{Use: "issue", Short: "Track stage issues"}
	ic.AddCommand(issueReportCmd())
	ic.AddCommand(issueResolveCmd())
	return ic
}

func issueReportCmd() *cobra.Command {
	var stage, issueType, severity, title, description string
	cmd := &cobra.Command{
		Use:   "report <application-id>",
		Short: "Report an issue on the active entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issue, warnings, err := e.ReportIssue(ctx, engine.IssueOptions{
					ApplicationID: args[0],
					Stage:         stage,
					Type:          issueType,
					Severity:      severity,
					Title:         title,
					Description:   description,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				for _, w := range warnings {
					fmt.Fprintln(os.Stderr, "warning:", w)
				}
				return printJSONOrTable(issue)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "expected active stage")
	cmd.Flags().StringVar(&issueType, "type", "", "issue type")
	cmd.Flags().StringVar(&severity, "severity", "", "severity (low, medium, high, critical, blocking)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func issueResolveCmd() *cobra.Command {
	var resolution string
	cmd := &cobra.Command{
		Use:   "resolve <issue-id>",
		Short: "Resolve an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issue, err := e.ResolveIssue(ctx, args[0], viper.GetString("actor-id"), resolution)
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", "", "resolution summary")
	return cmd
}

func noteCmd() *cobra.Command {
	nc := &cobra.Command{Use: "note", Short: "Attach notes to the active entry"}
	nc.AddCommand(noteAddCmd())
	return nc
}

func noteAddCmd() *cobra.Command {
	var stage, content string
	var internal bool
	cmd := &cobra.Command{
		Use:   "add <application-id>",
		Short: "Add a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				note, err := e.AddNote(ctx, engine.NoteOptions{
					ApplicationID: args[0],
					Stage:         stage,
					Content:       content,
					ActorID:       viper.GetString("actor-id"),
					IsInternal:    internal,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(note)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "expected active stage")
	cmd.Flags().StringVar(&content, "content", "", "note content")
	cmd.Flags().BoolVar(&internal, "internal", false, "mark as internal")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func actionCmd() *cobra.Command {
	ac := &cobra.Command{Use: "action", Short: "Manage action items"}
	ac.AddCommand(actionAddCmd())
	ac.AddCommand(actionCompleteCmd())
	return ac
}

func actionAddCmd() *cobra.Command {
	var stage, title, description, due string
	cmd := &cobra.Command{
		Use:   "add <application-id>",
		Short: "Add an action item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				action, err := e.AddAction(ctx, engine.ActionOptions{
					ApplicationID: args[0],
					Stage:         stage,
					Title:         title,
					Description:   description,
					DueDate:       due,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(action)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "expected active stage")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC3339)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func actionCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <action-id>",
		Short: "Mark an action item done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				action, err := e.CompleteAction(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(action)
			})
		},
	}
	return cmd
}

func notifyCmd() *cobra.Command {
	nc := &cobra.Command{Use: "notify", Short: "Inspect notifications"}
	nc.AddCommand(notifyListCmd())
	nc.AddCommand(notifyReadCmd())
	return nc
}

func notifyListCmd() *cobra.Command {
	var unread bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list <application-id>",
		Short: "List notifications for an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListNotifications(ctx, repo.NotificationFilters{
					ApplicationID: args[0],
					UnreadOnly:    unread,
					Limit:         limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Stage", "Urgency", "Message", "Sent", "Read"})
				for _, n := range items {
					read := ""
					if n.ReadAt != nil {
						read = *n.ReadAt
					}
					tw.AppendRow(table.Row{n.ID, n.Stage, n.Urgency, n.Message, n.SentAt, read})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread notifications")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func notifyReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read <notification-id>",
		Short: "Mark a notification as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.MarkNotificationRead(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	sc := &cobra.Command{Use: "stats", Short: "Pipeline analytics"}
	sc.AddCommand(statsStagesCmd())
	sc.AddCommand(statsBottlenecksCmd())
	return sc
}

func statsStagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stages",
		Short: "Per-stage completion statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a := analytics.Engine{DB: e.DB, Registry: e.Registry}
				stats, err := a.StageStatistics(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Completed", "Avg duration", "Estimated"})
				for _, stage := range e.Registry.Stages() {
					s, ok := stats[stage]
					if !ok {
						continue
					}
					tw.AppendRow(table.Row{s.Stage, s.Count, s.AverageDuration.Round(time.Minute), s.EstimatedDuration})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func statsBottlenecksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bottlenecks",
		Short: "Stages running over their estimated duration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a := analytics.Engine{DB: e.DB, Registry: e.Registry}
				items, err := a.BottleneckAnalysis(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Avg time", "Over estimate by"})
				for _, b := range items {
					tw.AppendRow(table.Row{b.Stage, b.AverageTime.Round(time.Minute), b.Delta.Round(time.Minute)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect pipeline config",
		Long:  "Config is the pipeline rulebook (stored in DB): stage order, allowed transitions, estimated durations, approval gates, and role capabilities. Import from stageline.yml or a file.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import pipeline config from a YAML file into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := config.FromFile(file)
				if err != nil {
					return err
				}
				if err := r.UpsertPipelineConfig(ctx, cfg.Pipeline.Name, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configInitCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default stageline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "credentialing", "pipeline name")
	return cmd
}

func roleCmd() *cobra.Command {
	rc := &cobra.Command{Use: "role", Short: "Manage actor roles"}
	rc.AddCommand(roleAssignCmd())
	rc.AddCommand(roleRevokeCmd())
	rc.AddCommand(roleListCmd())
	return rc
}

func roleAssignCmd() *cobra.Command {
	var actorID, role string
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
					return err
				}
				if err := r.AssignRole(ctx, tx, actorID, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor-id", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role name")
	_ = cmd.MarkFlagRequired("actor-id")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func roleRevokeCmd() *cobra.Command {
	var actorID, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.RevokeRole(ctx, tx, actorID, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor-id", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role name")
	_ = cmd.MarkFlagRequired("actor-id")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func roleListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an actor's roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				roles, err := r.ActorRoles(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(roles)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor-id", "", "actor id")
	_ = cmd.MarkFlagRequired("actor-id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	kc := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	kc.AddCommand(apikeyCreateCmd())
	kc.AddCommand(apikeyListCmd())
	kc.AddCommand(apikeyDeleteCmd())
	return kc
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name, key string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if key == "" {
					key = uuid.NewString() + uuid.NewString()
				}
				record := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(key),
				}
				if err := r.InsertAPIKey(ctx, nil, record); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       record.ID,
					"actor_id": actorID,
					"name":     name,
					"key":      key,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor-id", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&key, "key", "", "explicit key value (generated when omitted)")
	_ = cmd.MarkFlagRequired("actor-id")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor-id", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolvePipelineConfig(cmd.Context(), workspace, viper.GetString("pipeline"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e, err := engine.New(conn, cfg)
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("STAGELINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("STAGELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Stageline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolvePipelineConfig(ctx, workspace, viper.GetString("pipeline"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		return err
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
