// Command warehouse-fleet runs the warehouse cart fleet coordinator.
//
// Commands:
//  1. "serve" (default) runs the HTTP server exposing the REST API, the
//     WebSocket stream and an /mcp HTTP endpoint
//  2. "mcp" runs an MCP stdio server and spins up an internal HTTP API if none
//     is reachable
//  3. "simulate" loads a scenario and runs it to completion in the terminal
//
// Flags control host/port, the scenario directory, debug logging, autoplay
// cadence, session retention and optional ngrok tunneling.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"
	"golang.org/x/sync/errgroup"

	"github.com/wricardo/warehouse-fleet/api"
	"github.com/wricardo/warehouse-fleet/fleet/config"
	"github.com/wricardo/warehouse-fleet/fleet/service"
	"github.com/wricardo/warehouse-fleet/fleet/session"
	"github.com/wricardo/warehouse-fleet/transport/mcp"
	"github.com/wricardo/warehouse-fleet/transport/websocket"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "Warehouse Fleet Server"
)

func main() {
	// A missing .env file is fine
	envErr := godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp()
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: Error loading .env file: %v\n", envErr)
	}
	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newApp builds the command tree
func newApp() *cli.Command {
	return &cli.Command{
		Name:           "warehouse-fleet",
		Usage:          AppName,
		Version:        Version,
		DefaultCommand: "serve",
		Writer:         os.Stdout,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config-dir",
				Value:   "configs",
				Usage:   "Directory containing scenario files",
				Sources: cli.EnvVars("CONFIG_DIR"),
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Enable debug logging",
				Sources: cli.EnvVars("DEBUG"),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			mcpCommand(),
			simulateCommand(),
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"server", "http"},
		Usage:   "Run HTTP server with API, WebSocket, and MCP endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Value: "localhost", Usage: "HTTP server host", Sources: cli.EnvVars("HOST")},
			&cli.IntFlag{Name: "port", Value: 8080, Usage: "HTTP server port", Sources: cli.EnvVars("PORT")},
			&cli.DurationFlag{Name: "autoplay-interval", Value: time.Second, Usage: "Wall-clock time between autoplay ticks"},
			&cli.DurationFlag{Name: "session-ttl", Value: 24 * time.Hour, Usage: "Remove sessions idle for longer than this"},
			&cli.BoolFlag{Name: "ngrok", Usage: "Enable ngrok tunnel", Sources: cli.EnvVars("NGROK_ENABLED")},
			&cli.StringFlag{Name: "ngrok-auth", Usage: "Ngrok auth token", Sources: cli.EnvVars("NGROK_AUTHTOKEN", "NGROK_AUTH_TOKEN")},
			&cli.StringFlag{Name: "ngrok-domain", Usage: "Custom ngrok domain (optional)", Sources: cli.EnvVars("NGROK_DOMAIN")},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log, err := newLogger(cmd.Bool("debug"))
			if err != nil {
				return err
			}
			defer log.Sync()

			fleetService, sessions, err := initializeServices(cmd.String("config-dir"), log)
			if err != nil {
				return fmt.Errorf("failed to initialize services: %w", err)
			}

			return runHTTPServer(ctx, serverConfig{
				Addr:             fmt.Sprintf("%s:%d", cmd.String("host"), int(cmd.Int("port"))),
				AutoplayInterval: cmd.Duration("autoplay-interval"),
				SessionTTL:       cmd.Duration("session-ttl"),
				Ngrok:            cmd.Bool("ngrok"),
				NgrokAuth:        cmd.String("ngrok-auth"),
				NgrokDomain:      cmd.String("ngrok-domain"),
			}, fleetService, sessions, log)
		},
	}
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:    "mcp",
		Aliases: []string{"stdio-mcp", "mcp-stdio"},
		Usage:   "Run MCP stdio server, reusing a running API or starting an internal one",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "api-url", Value: "http://localhost:8080", Usage: "API server to reuse when reachable", Sources: cli.EnvVars("FLEET_API_URL")},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log, err := newLogger(cmd.Bool("debug"))
			if err != nil {
				return err
			}
			defer log.Sync()

			fleetService, _, err := initializeServices(cmd.String("config-dir"), log)
			if err != nil {
				return fmt.Errorf("failed to initialize services: %w", err)
			}
			return runStdioMCP(ctx, cmd.String("api-url"), fleetService, log)
		},
	}
}

// newLogger builds the production logger, or a development one with debug
// output. Both write to stderr, which keeps stdout free for MCP stdio.
func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	log, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return log.Named("fleet"), nil
}

// initializeServices wires the scenario and session managers into the fleet
// service
func initializeServices(configDir string, log *zap.Logger) (service.FleetService, *session.Manager, error) {
	scenarios, err := config.NewManager(configDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create scenario manager: %w", err)
	}

	sessions := session.NewManager(session.WithLogger(log.Named("session")))
	fleetService := service.NewFleetService(sessions, scenarios, service.WithLogger(log.Named("service")))
	return fleetService, sessions, nil
}

type serverConfig struct {
	Addr             string
	AutoplayInterval time.Duration
	SessionTTL       time.Duration
	Ngrok            bool
	NgrokAuth        string
	NgrokDomain      string
}

// newHandler combines the REST API with the /mcp JSON-RPC endpoint
func newHandler(apiServer http.Handler, mcpClient *mcp.Client) http.Handler {
	mainRouter := http.NewServeMux()
	mainRouter.Handle("/", apiServer)

	mainRouter.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		response := mcpClient.GetMCPServer().HandleMessage(r.Context(), body)

		responseData, err := json.Marshal(response)
		if err != nil {
			http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(responseData)
	})
	return mainRouter
}

// runHTTPServer serves the API until ctx is cancelled, then shuts down
// gracefully
func runHTTPServer(ctx context.Context, cfg serverConfig, fleetService service.FleetService, sessions *session.Manager, log *zap.Logger) error {
	hub := websocket.NewHub(log.Named("websocket"))
	apiServer := api.NewServer(fleetService, hub, api.WithLogger(log.Named("api")))
	handler := newHandler(apiServer, mcp.NewClient("http://"+cfg.Addr))

	scheduler, err := startScheduler(ctx, fleetService, sessions, hub, cfg, log.Named("scheduler"))
	if err != nil {
		return err
	}
	defer func() { <-scheduler.Stop().Done() }()

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		log.Info("HTTP server listening",
			zap.String("addr", cfg.Addr),
			zap.String("api", "http://"+cfg.Addr+"/api"),
			zap.String("websocket", "ws://"+cfg.Addr+"/ws?session=<session_id>"),
			zap.String("mcp", "http://"+cfg.Addr+"/mcp"))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	if cfg.Ngrok {
		g.Go(func() error {
			return serveNgrok(gctx, cfg, handler, log.Named("ngrok"))
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP server shutdown error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	log.Info("server stopped")
	return err
}

// cronLogger adapts zap to the cron.Logger interface
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

// startScheduler runs autoplay stepping and session expiry in the background.
// An autoplay run that overlaps the previous one is skipped.
func startScheduler(ctx context.Context, fleetService service.FleetService, sessions *session.Manager, hub *websocket.Hub, cfg serverConfig, log *zap.Logger) (*cron.Cron, error) {
	logger := cronLogger{log: log.Sugar()}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	interval := cfg.AutoplayInterval
	if interval < time.Second {
		interval = time.Second
	}
	if _, err := c.AddFunc("@every "+interval.String(), func() {
		advanceAutoplay(ctx, fleetService, hub, log)
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule autoplay: %w", err)
	}

	if cfg.SessionTTL > 0 {
		if _, err := c.AddFunc("@every 1h", func() {
			if removed := sessions.CleanupExpiredSessions(cfg.SessionTTL); removed > 0 {
				log.Info("cleaned up expired sessions", zap.Int("removed", removed))
			}
		}); err != nil {
			return nil, fmt.Errorf("failed to schedule session cleanup: %w", err)
		}
	}

	c.Start()
	return c, nil
}

// advanceAutoplay steps every autoplay session once and pushes the results
// to websocket clients
func advanceAutoplay(ctx context.Context, fleetService service.FleetService, hub *websocket.Hub, log *zap.Logger) {
	results, err := fleetService.AdvanceAutoplay(ctx)
	if err != nil {
		log.Warn("autoplay step failed, autoplay disabled for failing sessions", zap.Error(err))
	}
	for _, result := range results {
		hub.BroadcastEvents(result.SessionID, result.Events)
		hub.BroadcastState(result.State)
	}
}

// serveNgrok exposes handler through an ngrok tunnel until ctx is done
func serveNgrok(ctx context.Context, cfg serverConfig, handler http.Handler, log *zap.Logger) error {
	if cfg.NgrokAuth == "" {
		log.Warn("ngrok enabled but no auth token provided (use --ngrok-auth, NGROK_AUTHTOKEN, or NGROK_AUTH_TOKEN env var)")
		return nil
	}

	var tunnel ngrokConfig.Tunnel
	if cfg.NgrokDomain != "" {
		tunnel = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(cfg.NgrokDomain))
	} else {
		tunnel = ngrokConfig.HTTPEndpoint()
	}

	tun, err := ngrok.Listen(ctx, tunnel, ngrok.WithAuthtoken(cfg.NgrokAuth))
	if err != nil {
		log.Error("failed to start ngrok tunnel", zap.Error(err))
		return nil
	}

	url := tun.URL()
	log.Info("ngrok tunnel established",
		zap.String("url", url),
		zap.String("api", url+"/api"),
		zap.String("mcp", url+"/mcp"))

	go func() {
		<-ctx.Done()
		if err := tun.Close(); err != nil {
			log.Warn("failed to close ngrok tunnel", zap.Error(err))
		}
	}()

	if err := http.Serve(tun, handler); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		log.Warn("ngrok server error", zap.Error(err))
	}
	log.Info("ngrok tunnel closed")
	return nil
}

// apiReachable reports whether a fleet API answers at baseURL
func apiReachable(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// startInternalAPI serves the API on a random loopback port and returns its
// base URL. The server stops when ctx is done.
func startInternalAPI(ctx context.Context, fleetService service.FleetService, log *zap.Logger) (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("failed to get available port: %w", err)
	}

	hub := websocket.NewHub(log.Named("websocket"))
	go hub.Run(ctx)

	httpServer := &http.Server{Handler: api.NewServer(fleetService, hub, api.WithLogger(log.Named("api")))}
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("internal HTTP server error", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	return "http://" + listener.Addr().String(), nil
}

// runStdioMCP serves MCP over stdio against the API at externalURL, or an
// internal one when that is not reachable
func runStdioMCP(ctx context.Context, externalURL string, fleetService service.FleetService, log *zap.Logger) error {
	baseURL := externalURL
	if apiReachable(ctx, externalURL) {
		log.Info("using external API server for MCP", zap.String("url", externalURL))
	} else {
		var err error
		baseURL, err = startInternalAPI(ctx, fleetService, log)
		if err != nil {
			return err
		}
		log.Info("using internal API server for MCP", zap.String("url", baseURL))
	}

	mcpClient := mcp.NewClient(baseURL)
	log.Info("MCP stdio server ready")
	if err := server.ServeStdio(mcpClient.GetMCPServer()); err != nil {
		return fmt.Errorf("MCP stdio server error: %w", err)
	}
	return nil
}
