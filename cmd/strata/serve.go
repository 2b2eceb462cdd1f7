package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/strata/internal/api"
	"github.com/kalambet/strata/internal/ollama"
)

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "strata.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

type serveFlags struct {
	port   int
	mcp    bool
	noHTTP bool
}

func newServeCmd(st *cliState) *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the query API over HTTP and MCP (foreground)",
		Long: `Serve the query API over HTTP and MCP (foreground).

The HTTP API listens on 127.0.0.1. When STRATA_SERVER_TOKEN is set every
route except /health requires it as a bearer token. With --mcp the MCP tools
are also served over stdin/stdout.

Examples:
  strata serve
  strata serve --port 4200
  strata serve --mcp --no-http`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.noHTTP && !f.mcp {
				return fmt.Errorf("--no-http needs --mcp")
			}
			return runServer(cmd, st, f)
		},
	}
	cmd.Flags().IntVar(&f.port, "port", 0, "HTTP port (default from server.port)")
	cmd.Flags().BoolVar(&f.mcp, "mcp", false, "serve MCP over stdin/stdout")
	cmd.Flags().BoolVar(&f.noHTTP, "no-http", false, "do not start the HTTP API")
	return cmd
}

func runServer(cmd *cobra.Command, st *cliState, f serveFlags) error {
	cfg := st.cfg
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	fmt.Fprintf(os.Stderr, "strata version %s\n", version)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if !f.noHTTP {
		healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
		healthClient := &http.Client{Timeout: 2 * time.Second}
		if resp, err := healthClient.Get(healthURL); err == nil {
			resp.Body.Close()
			if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
				return fmt.Errorf("server already running (PID %d)", pid)
			}
			return fmt.Errorf("server already running on port %d", cfg.Server.Port)
		}
		if err := writePIDFile(pidPath); err != nil {
			return fmt.Errorf("writing PID file: %w", err)
		}
		defer removePIDFile(pidPath)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := openApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	if a.ollama != nil && !a.ollama.IsRunning(ctx) {
		slog.Warn("Ollama not reachable, semantic search will fail", "url", cfg.Ollama.BaseURL)
	}

	if f.mcp {
		mcpSrv := api.NewMCPServer(a.query, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			// The client closed stdin.
			cancel()
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	if f.noHTTP {
		<-ctx.Done()
		return nil
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewHandler(api.Deps{
			Query:   a.query,
			Metrics: a.metrics,
			Token:   cfg.Server.Token,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.Server.Token == "" {
		slog.Warn("STRATA_SERVER_TOKEN not set, API is unauthenticated")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "strata listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func newStopCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running strata server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath := pidFilePath(st.cfg.Storage.DataDir)
			pid, err := readPIDFile(pidPath)
			if err != nil {
				printError("strata is not running (no PID file)")
				return errSilent
			}

			process, err := os.FindProcess(pid)
			if err != nil {
				printError("could not find process %d", pid)
				return errSilent
			}
			if err := process.Signal(syscall.SIGTERM); err != nil {
				printError("could not stop strata (PID %d): %v", pid, err)
				removePIDFile(pidPath)
				return errSilent
			}

			printSuccess("Sent stop signal to strata (PID %d)", pid)
			return nil
		},
	}
}

func newStatusCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server, Ollama, and storage status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			serverURL, _ := cmd.Flags().GetString("server")
			showStatus(cmd.Context(), st, serverURL)
			return nil
		},
	}
	cmd.Flags().String("server", "", "server base URL (default http://127.0.0.1:<server.port>)")
	cmd.Flags().MarkHidden("server")
	return cmd
}

func showStatus(ctx context.Context, st *cliState, serverURL string) {
	cfg := st.cfg
	client := newAPIClient(cfg, serverURL)

	running := false
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var health struct {
			Status   string `json:"status"`
			Semantic bool   `json:"semantic"`
		}
		if err := decodeJSON(resp, &health); err != nil {
			printStatus("Server", "error (%v)", err)
		} else {
			running = true
			printStatus("Server", "running at %s (semantic search: %t)", client.baseURL, health.Semantic)
		}
	}

	if running {
		resp, err := client.get(ctx, "/repositories")
		if err == nil {
			var repos []struct {
				ID string `json:"id"`
			}
			if err := decodeJSON(resp, &repos); err == nil {
				printStatus("Repositories", "%d", len(repos))
			} else {
				printStatus("Repositories", "unavailable (%v)", err)
			}
		}
	}

	if cfg.Ollama.Enabled {
		if ollama.New(cfg.Ollama.BaseURL).IsRunning(ctx) {
			printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		} else {
			printStatus("Ollama", "not running")
		}
		printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
		printStatus("Summary model", "%s", cfg.Ollama.SummaryModel)
	} else {
		printStatus("Ollama", "disabled")
	}

	printStatus("Storage", "%s", cfg.Storage.Backend)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
}
