package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"projecthub.io/assistant/internal/api"
	"projecthub.io/assistant/internal/auth"
	"projecthub.io/assistant/internal/config"
	"projecthub.io/assistant/internal/core"
	"projecthub.io/assistant/internal/logging"
	"projecthub.io/assistant/internal/mcptools"
	"projecthub.io/assistant/internal/realtime"
	"projecthub.io/assistant/internal/store"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	verbose bool

	cfg    config.Config
	cfgErr error
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Conversational analytics assistant for project data",
	Long: `Answers natural-language questions about project data by generating a
read-only SQL query, running it against the project data store, and explaining
the result with chart or mindmap data. Every answer is stored with timings and
can be rated.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgErr = config.Load()
		level := cfg.LogLevel
		if verbose {
			level = "DEBUG"
		}
		var err error
		if cmd.Name() == "mcp" {
			// stdout carries the protocol.
			logger, err = logging.NewStderr(level)
		} else {
			logger, err = logging.New(level)
		}
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and realtime feed",
	RunE:  runServe,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the assistant tools over MCP stdio",
	RunE:  runMCP,
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer one question and print the stored turn",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print feedback and timing statistics",
	RunE:  runStats,
}

var tokenCmd = &cobra.Command{
	Use:   "token [subject]",
	Short: "Issue an API token signed with JWT_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

var (
	askProject      string
	askPersona      string
	askConversation string
	askJSON         bool

	statsProject string
	statsFrom    string
	statsTo      string
	statsRating  string
	statsJSON    bool

	tokenTTL time.Duration
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	askCmd.Flags().StringVarP(&askProject, "project", "p", "", "Project id (omit for a cross-project answer)")
	askCmd.Flags().StringVar(&askPersona, "persona", "", "Persona id (default persona when omitted)")
	askCmd.Flags().StringVar(&askConversation, "conversation", "", "Conversation id to continue")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "Print the turn as JSON")

	statsCmd.Flags().StringVarP(&statsProject, "project", "p", "", "Only count this project")
	statsCmd.Flags().StringVar(&statsFrom, "from", "", "First day, YYYY-MM-DD")
	statsCmd.Flags().StringVar(&statsTo, "to", "", "Last day, YYYY-MM-DD")
	statsCmd.Flags().StringVar(&statsRating, "rating", "", "positive, negative or neutral")
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Print the stats as JSON")

	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")

	rootCmd.AddCommand(serveCmd, mcpCmd, askCmd, statsCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgErr != nil {
		return cfgErr
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	hub := realtime.NewHub(logger)
	a, err := newApp(ctx, cfg, logger, hub)
	if err != nil {
		return err
	}
	defer a.Close()

	router := api.NewRouter(api.NewAPIHandler(a.chat, logger), http.HandlerFunc(hub.ServeWs), cfg.JWTSecret)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute, // a turn makes two generation calls
		IdleTimeout:  120 * time.Second,
	}
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is not set, the API is unauthenticated")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("Starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not listen on %s: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server exiting gracefully")
	return nil
}

func runMCP(cmd *cobra.Command, args []string) error {
	if cfgErr != nil {
		return cfgErr
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("Serving MCP tools on stdio", zap.String("version", Version))
	return mcpserver.ServeStdio(mcptools.NewServer(a.chat, Version))
}

func runAsk(cmd *cobra.Command, args []string) error {
	if cfgErr != nil {
		return cfgErr
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	turn, err := a.chat.SubmitTurn(ctx, core.TurnRequest{
		Question:       joinArgs(args),
		ProjectID:      flagValue(askProject),
		PersonaID:      flagValue(askPersona),
		ConversationID: flagValue(askConversation),
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if askJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(turn)
	}
	fmt.Fprint(out, mcptools.FormatTurn(turn))
	if turn.ErrorMessage != nil {
		return errors.New("the question could not be answered")
	}
	return nil
}

// runStats and runToken read only their own settings, so they run without
// GEMINI_API_KEY.
func runStats(cmd *cobra.Command, args []string) error {
	filter := store.StatsFilter{ProjectID: flagValue(statsProject)}
	if statsFrom != "" {
		from, err := time.Parse(time.DateOnly, statsFrom)
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		filter.From = &from
	}
	if statsTo != "" {
		to, err := time.Parse(time.DateOnly, statsTo)
		if err != nil {
			return fmt.Errorf("--to: %w", err)
		}
		to = to.Add(24*time.Hour - time.Nanosecond)
		filter.To = &to
	}
	if statsRating != "" {
		rating, ok := store.ParseRating(statsRating)
		if !ok {
			return fmt.Errorf("--rating must be positive, negative or neutral")
		}
		filter.Rating = &rating
	}

	// Stats only need the turn store.
	turns, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize turn store: %w", err)
	}
	defer turns.Close()

	stats, err := turns.ComputeStats(cmd.Context(), filter)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if statsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	fmt.Fprint(out, mcptools.FormatStats(stats))
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	token, err := auth.IssueToken(cfg.JWTSecret, args[0], tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}

func flagValue(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
