package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowdeck/flowdeck/internal/board"
	"github.com/flowdeck/flowdeck/internal/boardstore"
	"github.com/flowdeck/flowdeck/internal/config"
	"github.com/flowdeck/flowdeck/internal/dashboard"
	"github.com/flowdeck/flowdeck/internal/dedup"
	"github.com/flowdeck/flowdeck/internal/hub"
	"github.com/flowdeck/flowdeck/internal/ingest"
	"github.com/flowdeck/flowdeck/internal/maintenance"
	"github.com/flowdeck/flowdeck/internal/relayprotocol"
	"github.com/flowdeck/flowdeck/internal/transport"
)

var (
	servePort     int
	followSession string
	followServer  string

	emitServer  string
	emitType    string
	emitAdwID   string
	emitWork    string
	emitStatus  string
	emitMessage string
	emitLevel   string
	emitStep    string
	emitPercent int

	statusServer string
)

func init() {
	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broadcast hub",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)

	// follow command
	followCmd := &cobra.Command{
		Use:   "follow",
		Short: "Follow the event stream into the persisted task board",
		RunE:  runFollow,
	}
	followCmd.Flags().StringVar(&followSession, "session", "", "session id (overrides config)")
	followCmd.Flags().StringVar(&followServer, "server", "", "hub WebSocket URL (overrides config)")
	rootCmd.AddCommand(followCmd)

	// emit command
	emitCmd := &cobra.Command{
		Use:   "emit",
		Short: "Post a workflow event to the hub's HTTP ingress",
		RunE:  runEmit,
	}
	emitCmd.Flags().StringVar(&emitServer, "server", "", "hub base URL, e.g. http://127.0.0.1:8787")
	emitCmd.Flags().StringVar(&emitType, "type", relayprotocol.TypeStatusUpdate, "message type")
	emitCmd.Flags().StringVar(&emitAdwID, "run", "", "workflow run id")
	emitCmd.Flags().StringVar(&emitWork, "workflow", "", "workflow name")
	emitCmd.Flags().StringVar(&emitStatus, "status", "", "workflow status")
	emitCmd.Flags().StringVar(&emitMessage, "message", "", "log message")
	emitCmd.Flags().StringVar(&emitLevel, "level", "", "log level")
	emitCmd.Flags().StringVar(&emitStep, "step", "", "current step")
	emitCmd.Flags().IntVar(&emitPercent, "percent", -1, "progress percent")
	emitCmd.MarkFlagRequired("run")
	rootCmd.AddCommand(emitCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show hub connection counts",
		RunE:  runStatus,
	}
	statusCmd.Flags().StringVar(&statusServer, "server", "", "hub base URL, e.g. http://127.0.0.1:8787")
	rootCmd.AddCommand(statusCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()
	return ctx, cancel
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	port := servePort
	if port == 0 {
		port = cfg.Hub.Port
	}

	h := hub.New(hub.Config{
		Host:              cfg.Hub.Host,
		Port:              port,
		HeartbeatInterval: cfg.Hub.HeartbeatInterval(),
		HeartbeatTimeout:  cfg.Hub.HeartbeatTimeout(),
		DedupBySession:    cfg.Hub.DedupBySession,
	})

	ctx, cancel := signalContext()
	defer cancel()

	watcher, err := ingest.NewSpoolWatcher(cfg.Spool.Dir, h)
	if err != nil {
		return fmt.Errorf("starting spool watcher: %w", err)
	}
	watcher.Start(ctx)
	defer watcher.Stop()

	go func() {
		<-ctx.Done()
		h.Stop()
	}()

	if err := h.Start(ctx); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func runFollow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	serverURL := followServer
	if serverURL == "" {
		serverURL = cfg.Client.ServerURL
	}
	session := followSession
	if session == "" {
		session = cfg.Client.SessionID
	}

	store, err := boardstore.New(cfg.Store.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening board snapshot: %w", err)
	}
	defer store.Close()

	var pipelines *board.PipelineSet
	if cfg.Board.PipelinesFile != "" {
		pipelines, err = board.LoadPipelineSet(cfg.Board.PipelinesFile)
		if err != nil {
			return fmt.Errorf("loading pipeline aliases: %w", err)
		}
	}

	b := board.New(pipelines, cfg.Board.LogCap)
	cache := dedup.New(cfg.Dedup.TTL(), cfg.Dedup.MaxEntries)

	client, err := transport.NewClient(transport.Config{
		ServerURL:   serverURL,
		SessionID:   session,
		MaxAttempts: cfg.Client.MaxAttempts,
		SendBuffer:  cfg.Client.SendBuffer,
	})
	if err != nil {
		return err
	}

	svc := dashboard.New(b, store, cache, client)
	if err := svc.Rehydrate(); err != nil {
		return fmt.Errorf("restoring board snapshot: %w", err)
	}

	jobs, err := maintenance.New(maintenance.Config{
		SweepSpec: cfg.Maintenance.SweepSpec,
		PruneSpec: cfg.Maintenance.PruneSpec,
	}, cache, store, cfg.Board.LogCap)
	if err != nil {
		return fmt.Errorf("scheduling maintenance: %w", err)
	}
	jobs.Start()
	defer jobs.Stop()

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("Following %s (session %q)\n", serverURL, session)
	if err := svc.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runEmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	base := emitServer
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", cfg.Hub.Host, cfg.Hub.Port)
	}

	if !relayprotocol.KnownType(emitType) {
		return fmt.Errorf("unknown message type %q", emitType)
	}

	ev := relayprotocol.Event{
		AdwID:        emitAdwID,
		WorkflowName: emitWork,
		Status:       emitStatus,
		Message:      emitMessage,
		Level:        emitLevel,
		CurrentStep:  emitStep,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	if emitPercent >= 0 {
		ev.ProgressPercent = &emitPercent
	}

	payload, err := relayprotocol.MarshalEnvelope(emitType, ev)
	if err != nil {
		return err
	}

	resp, err := http.Post(base+"/events", "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("hub rejected event: %s: %s", resp.Status, body)
	}

	fmt.Printf("Emitted %s for run %s\n", emitType, emitAdwID)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	base := statusServer
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", cfg.Hub.Host, cfg.Hub.Port)
	}

	resp, err := http.Get(base + "/status")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var status struct {
		Connections []struct {
			ID             string `json:"id"`
			Kind           string `json:"kind"`
			Session        string `json:"session"`
			ConnectedSince string `json:"connected_since"`
		} `json:"connections"`
		DedupBySession bool `json:"dedup_by_session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return err
	}

	fmt.Printf("Connections: %d (dedup_by_session=%v)\n", len(status.Connections), status.DedupBySession)
	if len(status.Connections) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSESSION\tCONNECTED")
	for _, c := range status.Connections {
		session := c.Session
		if session == "" {
			session = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.Kind, session, c.ConnectedSince)
	}
	w.Flush()

	return nil
}
