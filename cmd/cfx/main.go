package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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

	"conflux/internal/config"
	"conflux/internal/db"
	"conflux/internal/domain"
	"conflux/internal/engine"
	"conflux/internal/migrate"
	"conflux/internal/repo"
	"conflux/internal/server"
	"conflux/internal/session"
)

var rootCmd = &cobra.Command{
	Use:   "cfx",
	Short: "Conflux CLI",
	Long: `Conflux coordinates multiple agents solving a shared problem.
- Workspace: the .conflux directory holding the database; conflux.yml holds settings.
- Problem: the shared goal; decompose it into ordered sub-problems with dependencies.
- Claim: exclusive working rights on a sub-problem, granted only when its dependencies are solved.
- Solve: the claim holder records a solution; when every sub-problem is resolved the problem is ready to merge.
- Merge: folds solved sub-problem solutions into one problem solution, in order.
- Sessions: live collaboration presence, served by 'cfx serve'.
- Event log: diary of changes, view with 'cfx log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("CONFLUX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "local-agent", "agent identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent-id", rootCmd.PersistentFlags().Lookup("agent-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(problemCmd())
	rootCmd.AddCommand(subCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default conflux.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate conflux.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

func problemCmd() *cobra.Command {
	p := &cobra.Command{Use: "problem", Short: "Manage problems"}
	p.AddCommand(problemCreateCmd())
	p.AddCommand(problemListCmd())
	p.AddCommand(problemShowCmd())
	p.AddCommand(problemDecomposeCmd())
	p.AddCommand(problemMergeCmd())
	p.AddCommand(problemSolveCmd())
	p.AddCommand(problemCollaboratorsCmd())
	p.AddCommand(problemSolutionsCmd())
	return p
}

func problemCreateCmd() *cobra.Command {
	var id, title, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a problem",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProblem(ctx, engine.ProblemCreateOptions{
					ID:          id,
					Title:       title,
					Description: desc,
					ActorID:     viper.GetString("agent-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "problem id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func problemListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProblems(ctx, repo.ProblemFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Created By", "Created At"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, p.Status, p.CreatedBy, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func problemShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a problem and its sub-problems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProblem(ctx, args[0])
				if err != nil {
					return err
				}
				subs, err := e.Repo.ListSubProblems(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"problem": p, "sub_problems": subs})
			})
		},
	}
	return cmd
}

func problemDecomposeCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "decompose <id>",
		Short: "Decompose a problem from a JSON file of sub-problems",
		Long: `The file holds a JSON array of sub-problem entries:
[{"id":"plan","title":"plan","order":1},
 {"id":"exec","title":"execute","order":2,"depends_on":["plan"]}]`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var specs []domain.SubProblemSpec
			if err := json.Unmarshal(data, &specs); err != nil {
				return fmt.Errorf("invalid sub-problems file: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				subs, err := e.Decompose(ctx, args[0], specs, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSON(subs)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to JSON sub-problem list")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func problemMergeCmd() *cobra.Command {
	var solution, explanation string
	cmd := &cobra.Command{
		Use:   "merge <id>",
		Short: "Merge solved sub-problems into a problem solution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Merge(ctx, args[0], viper.GetString("agent-id"), solution, explanation)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&solution, "solution", "", "merged solution text")
	cmd.Flags().StringVar(&explanation, "explanation", "", "how the parts combine")
	_ = cmd.MarkFlagRequired("solution")
	return cmd
}

func problemSolveCmd() *cobra.Command {
	var solution, explanation string
	cmd := &cobra.Command{
		Use:   "solve <id>",
		Short: "Submit a direct solution, bypassing decomposition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sol, err := e.SubmitSolution(ctx, args[0], viper.GetString("agent-id"), solution, explanation)
				if err != nil {
					return err
				}
				return printJSON(sol)
			})
		},
	}
	cmd.Flags().StringVar(&solution, "solution", "", "solution text")
	cmd.Flags().StringVar(&explanation, "explanation", "", "explanation")
	_ = cmd.MarkFlagRequired("solution")
	return cmd
}

func problemCollaboratorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collaborators <id>",
		Short: "List active collaborators",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListCollaborators(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Agent", "Working On", "Joined", "Last Active"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.AgentID, c.WorkingOn, c.JoinedAt, c.LastActiveAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func problemSolutionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "solutions <id>",
		Short: "List problem solutions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSolutions(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	return cmd
}

func subCmd() *cobra.Command {
	s := &cobra.Command{Use: "sub", Short: "Work on sub-problems"}
	s.AddCommand(subListCmd())
	s.AddCommand(subShowCmd())
	s.AddCommand(subClaimCmd())
	s.AddCommand(subSolveCmd())
	return s
}

func subListCmd() *cobra.Command {
	var problemID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sub-problems of a problem",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				subs, err := e.Repo.ListSubProblems(ctx, problemID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(subs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Ord", "Title", "Status", "Claimed By", "Depends On"})
				for _, s := range subs {
					claimed := ""
					if s.ClaimedBy != nil {
						claimed = *s.ClaimedBy
					}
					tw.AppendRow(table.Row{s.ID, s.Ord, s.Title, s.Status, claimed, strings.Join(s.DependsOn, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&problemID, "problem", "", "problem id")
	_ = cmd.MarkFlagRequired("problem")
	return cmd
}

func subShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a sub-problem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSubProblem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
}

func subClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a sub-problem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Claim(ctx, args[0], viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
}

func subSolveCmd() *cobra.Command {
	var solution string
	cmd := &cobra.Command{
		Use:   "solve <id>",
		Short: "Record a sub-problem solution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, allSolved, err := e.Solve(ctx, args[0], viper.GetString("agent-id"), solution)
				if err != nil {
					return err
				}
				if allSolved && !viper.GetBool("json") {
					fmt.Println("all sub-problems resolved; the problem is ready to merge")
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringVar(&solution, "solution", "", "solution text")
	_ = cmd.MarkFlagRequired("solution")
	return cmd
}

func keyCmd() *cobra.Command {
	k := &cobra.Command{Use: "key", Short: "Manage API keys"}
	k.AddCommand(keyCreateCmd())
	k.AddCommand(keyListCmd())
	k.AddCommand(keyDeleteCmd())
	return k
}

func keyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key for the current agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := make([]byte, 24)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				secret := "cfx_" + hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: viper.GetString("agent-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// the secret is only shown once
				return printJSON(map[string]string{"id": key.ID, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keyListCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, agentID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agent", "Name", "Created At"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "filter by agent id")
	return cmd
}

func keyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var problemID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, problemID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&problemID, "problem", "", "problem filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
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
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
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
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("CONFLUX_JWT_SECRET"),
				AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("CONFLUX_JWT_SECRET is required for bearer auth (or enable allow_legacy_actor_header)")
			}
			if addr == "" {
				addr = cfg.Server.Listen
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			go sweepLoop(cmd.Context(), e.Sessions, cfg.SweepInterval())
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Conflux API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from conflux.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from conflux.yml)")
	return cmd
}

func sweepLoop(ctx context.Context, tracker *session.Tracker, interval time.Duration) {
	if tracker == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := tracker.Sweep(ctx, 0); n > 0 {
				fmt.Printf("swept %d expired collaboration sessions\n", n)
			}
		}
	}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
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
	e := engine.New(conn, cfg)
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
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
