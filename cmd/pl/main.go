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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"paperline/internal/app"
	"paperline/internal/audit"
	"paperline/internal/config"
	"paperline/internal/db"
	"paperline/internal/domain"
	"paperline/internal/engine"
	"paperline/internal/migrate"
	"paperline/internal/repo"
	"paperline/internal/server"
	"paperline/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Paperline CLI",
	Long: `Paperline keeps project artifacts in a versioned store where every change
is proposed, reviewed, committed and audited.
- Workspace: the .paperline directory holding the database.
- Project: owns one versioned repository, one workflow record and one audit stream.
- Artifacts: path-addressed documents; their state is the repository's current content.
- Proposals: drafted diffs with their own PENDING -> ACCEPTED/REJECTED lifecycle;
  applying commits the change, rejecting leaves the store untouched.
- Workflow: INITIATION -> PLANNING -> EXECUTION <-> MONITORING_AND_CONTROLLING -> CLOSING.
- Audit log: append-only diary of every state change, view with 'pl audit tail'.`,
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
	viper.SetEnvPrefix("PAPERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project key (defaults to the single project in the workspace)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(proposeCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectInitCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectArchiveCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectInitCmd() *cobra.Command {
	var key, name, methodology string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a project with its repository, workflow record and audit stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.InitProject(ctx, key, name, methodology, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "project key (immutable)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&methodology, "methodology", "", "methodology (predictive, agile, hybrid)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Name", "Methodology", "Status", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.Key, p.Name, p.Methodology, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, key string) error {
				p, err := e.Repo.GetProject(ctx, key)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive a project (soft delete; repository and audit trail are kept)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, key string) error {
				p, err := e.ArchiveProject(ctx, key, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage project config"}

	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			parsed, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, key string) error {
				if err := e.ImportConfig(ctx, key, parsed, viper.GetString("actor")); err != nil {
					return err
				}
				fmt.Printf("Imported config for %s\n", key)
				return nil
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "YAML config file")
	_ = importCmd.MarkFlagRequired("file")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export project config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, key string) error {
				c, err := e.Repo.GetProjectConfig(ctx, key)
				if err != nil {
					return err
				}
				out, err := c.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}

	cfg.AddCommand(importCmd)
	cfg.AddCommand(exportCmd)
	return cfg
}

func proposeCmd() *cobra.Command {
	var path, changeType, contentFile, rationale string
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Draft a change proposal against the current artifact state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var content []byte
			if changeType != domain.ChangeDelete {
				if contentFile == "" {
					return fmt.Errorf("--content-file required for %s", changeType)
				}
				var err error
				content, err = os.ReadFile(contentFile)
				if err != nil {
					return err
				}
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, key string) error {
				p, err := e.Propose(ctx, engine.ProposeOptions{
					ProjectKey: key,
					Path:       path,
					ChangeType: changeType,
					NewContent: content,
					Rationale:  rationale,
					Author:     viper.GetString("actor"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "target artifact path")
	cmd.Flags().StringVar(&changeType, "type", "UPDATE", "change type (CREATE, UPDATE, DELETE)")
	cmd.Flags().StringVar(&contentFile, "content-file", "", "file with the proposed content")
	cmd.Flags().StringVar(&rationale, "rationale", "", "why the change is needed")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func proposalCmd() *cobra.Command {
	prop := &cobra.Command{Use: "proposal", Short: "Review and settle proposals"}
	prop.AddCommand(proposalListCmd())
	prop.AddCommand(proposalShowCmd())
	prop.AddCommand(proposalApplyCmd())
	prop.AddCommand(proposalRejectCmd())
	return prop
}

func proposalListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, key string) error {
				items, err := e.Repo.ListProposals(ctx, key, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Path", "Type", "Status", "Author", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.TargetArtifact, p.ChangeType, p.Status, p.Author, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (PENDING, ACCEPTED, REJECTED)")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a proposal with its diff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("proposal %s (%s) %s by %s\n", p.ID, p.ChangeType, p.Status, p.Author)
				fmt.Printf("target: %s\n", p.TargetArtifact)
				if p.Rationale != "" {
					fmt.Printf("rationale: %s\n", p.Rationale)
				}
				fmt.Println()
				fmt.Print(p.Diff)
				return nil
			})
		},
	}
	return cmd
}

func proposalApplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <id>",
		Short: "Apply a pending proposal (commits the change)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Apply(ctx, args[0], viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func proposalRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending proposal (no commit is made)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Reject(ctx, args[0], reason, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the proposal is rejected")
	return cmd
}

func artifactCmd() *cobra.Command {
	art := &cobra.Command{Use: "artifact", Short: "Inspect artifacts"}

	var prefix string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, key string) error {
				items, err := e.Artifacts(ctx, key, prefix)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Path", "Type", "Updated"})
				for _, f := range items {
					tw.AppendRow(table.Row{f.Path, f.Type, f.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	listCmd.Flags().StringVar(&prefix, "prefix", "", "path prefix filter")

	catCmd := &cobra.Command{
		Use:   "cat <path>",
		Short: "Print artifact content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, key string) error {
				content, err := e.ReadArtifact(ctx, key, args[0])
				if err != nil {
					return err
				}
				fmt.Print(string(content))
				return nil
			})
		},
	}

	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Show commit history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, key string) error {
				commits, err := e.Store.ListCommits(ctx, key, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(commits)
				}
				for _, c := range commits {
					fmt.Printf("%d  %s  %s  %s\n", c.Seq, c.CreatedAt, c.Author, c.Message)
				}
				return nil
			})
		},
	}

	art.AddCommand(listCmd)
	art.AddCommand(catCmd)
	art.AddCommand(logCmd)
	return art
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Inspect and move the project lifecycle"}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current workflow state and history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, key string) error {
				s, err := e.State(ctx, key)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}

	nextCmd := &cobra.Command{
		Use:   "next",
		Short: "List allowed next phases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, key string) error {
				allowed, err := e.AllowedTransitions(ctx, key)
				if err != nil {
					return err
				}
				if len(allowed) == 0 {
					fmt.Println("(terminal phase; no transitions)")
					return nil
				}
				fmt.Println(strings.Join(allowed, "\n"))
				return nil
			})
		},
	}

	var reason string
	transitionCmd := &cobra.Command{
		Use:   "transition <to-state>",
		Short: "Transition to the next phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, key string) error {
				s, err := e.Transition(ctx, key, args[0], viper.GetString("actor"), reason)
				if err != nil {
					var ite workflow.InvalidTransitionError
					if errors.As(err, &ite) {
						return fmt.Errorf("%s (use 'pl workflow next')", err)
					}
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	transitionCmd.Flags().StringVar(&reason, "reason", "", "why the project moves on")

	wf.AddCommand(showCmd)
	wf.AddCommand(nextCmd)
	wf.AddCommand(transitionCmd)
	return wf
}

func auditCmd() *cobra.Command {
	aud := &cobra.Command{Use: "audit", Short: "Query the audit log"}

	var evtType, actor, since, until string
	var limit, offset int
	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Query audit events (chronological ascending)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, key string) error {
				page, err := e.AuditQuery(ctx, key, audit.Filter{
					EventType: evtType,
					Actor:     actor,
					Since:     since,
					Until:     until,
				}, limit, offset)
				if err != nil {
					return err
				}
				return printJSONOrTable(page)
			})
		},
	}
	queryCmd.Flags().StringVar(&evtType, "event-type", "", "filter by event type")
	queryCmd.Flags().StringVar(&actor, "filter-actor", "", "filter by actor")
	queryCmd.Flags().StringVar(&since, "since", "", "RFC3339 lower bound")
	queryCmd.Flags().StringVar(&until, "until", "", "RFC3339 upper bound")
	queryCmd.Flags().IntVar(&limit, "limit", 50, "page size")
	queryCmd.Flags().IntVar(&offset, "offset", 0, "page offset")

	var n int
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, key string) error {
				page, err := e.AuditQuery(ctx, key, audit.Filter{}, 0, 0)
				if err != nil {
					return err
				}
				events := page.Events
				if n > 0 && len(events) > n {
					events = events[len(events)-n:]
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				for _, evt := range events {
					fmt.Printf("%s  %-24s  %s\n", evt.TS, evt.EventType, evt.Actor)
				}
				return nil
			})
		},
	}
	tailCmd.Flags().IntVar(&n, "n", 20, "number of events")

	aud.AddCommand(queryCmd)
	aud.AddCommand(tailCmd)
	return aud
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
			e := engine.New(conn)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Logger: logger})
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
			logger.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving Paperline API")
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
	return fn(ctx, engine.New(conn))
}

func withProject(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		key, err := app.ResolveProject(ctx, viper.GetString("project"), e.Repo)
		if err != nil {
			return err
		}
		return fn(ctx, e, key)
	})
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
	return fn(ctx, repo.Repo{DB: conn})
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
