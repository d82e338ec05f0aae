package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"homework-live/server/internal/api"
	"homework-live/server/internal/config"
	"homework-live/server/internal/device"
	"homework-live/server/internal/metrics"
	"homework-live/server/internal/model"
	"homework-live/server/internal/orchestrator"
	"homework-live/server/internal/realtime"
	"homework-live/server/internal/session"
	"homework-live/server/internal/timeline"
	"homework-live/server/internal/transport"
)

func newServeCmd() *cobra.Command {
	var (
		sessionID string
		noLocal   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local API and open a push-to-talk session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if !noLocal && sessionID == "" {
				sessionID = uuid.NewString()
			}
			return serve(cmd.Context(), cfg, sessionID)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&sessionID, "session", "", "session id for the local push-to-talk session (default: random)")
	flags.BoolVar(&noLocal, "no-local", false, "only serve the API, do not open a local session")
	return cmd
}

func serve(parent context.Context, cfg *config.Config, localSession string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, logCloser, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	m := metrics.New()
	devices := device.NewSystem(cfg.Audio.OutputBuffer, logger)
	defer devices.Close()

	history, closeHistory, err := openHistory(cfg.History)
	if err != nil {
		return err
	}
	defer closeHistory()
	snapshots := session.NewInMemoryStore()

	registry := session.NewRegistry[*orchestrator.Controller](m, logger)
	defer registry.CloseAll()
	hub := api.NewHub(logger)

	factory := func(id string, renderer *api.Renderer) (*orchestrator.Controller, error) {
		client := transport.NewClient(devices, cfg.Transport(),
			transport.WithLogger(logger),
			transport.WithMetrics(m),
		)
		return orchestrator.NewController(client, cfg.Controller(id),
			orchestrator.WithTypesetter(renderer),
			orchestrator.WithChartRenderer(renderer),
			orchestrator.WithHistory(history),
			orchestrator.WithSnapshots(snapshots),
			orchestrator.WithControllerMetrics(m),
			orchestrator.WithControllerLogger(logger),
		), nil
	}

	opts := []api.Option{api.WithMetrics(m), api.WithLogger(logger), api.WithSnapshots(snapshots)}
	if cfg.Live.APIKey != "" {
		tokens, err := realtime.NewClient(ctx, cfg.Realtime(), m)
		if err != nil {
			return fmt.Errorf("init live token client: %w", err)
		}
		opts = append(opts, api.WithTokenIssuer(tokens))
	} else {
		logger.Printf("[Main] GEMINI_API_KEY not set, /api/live/token disabled")
	}

	server := api.NewServer(cfg, registry, hub, factory, opts...)
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("[Main] 🚀 homeworklive listening on %s", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if localSession != "" {
		ctrl, err := registry.Acquire(localSession, func() (*orchestrator.Controller, error) {
			return factory(localSession, hub.Renderer(localSession))
		})
		if err != nil {
			return fmt.Errorf("open local session: %w", err)
		}
		ctrl.Subscribe(hub.PublishState)
		printViewURL(cfg.ViewURL(localSession))

		go func() {
			startCtx, cancel := context.WithTimeout(ctx, cfg.Backend.ConnectTimeout+5*time.Second)
			defer cancel()
			if err := ctrl.Start(startCtx); err != nil {
				logger.Printf("[Main] ⚠️  Local session failed to connect: %v (press r to retry)", err)
			}
		}()

		if isatty.IsTerminal(os.Stdin.Fd()) {
			go func() {
				if err := pushToTalk(ctx, ctrl, logger); err != nil {
					logger.Printf("[Main] keyboard control stopped: %v", err)
				}
				stop()
			}()
		}
	}

	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok && err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	logger.Printf("[Main] 🛑 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openHistory(cfg config.HistoryConfig) (timeline.Store, func(), error) {
	if cfg.Store != "sqlite" {
		return timeline.NewInMemoryStore(), func() {}, nil
	}
	store, err := timeline.OpenSQLite(cfg.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open history: %w", err)
	}
	return store, func() { store.Close() }, nil
}

// printViewURL 终端里打印页面地址和二维码，方便用平板打开
func printViewURL(url string) {
	fmt.Printf("📺 Open the live view: %s\n", url)
	qr, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return
	}
	fmt.Println(qr.ToSmallString(false))
}

// pushToTalk 终端按键控制：空格开始/停止录音，i 打断，r 重连，q 退出
func pushToTalk(ctx context.Context, ctrl *orchestrator.Controller, logger *log.Logger) error {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, oldState)

	fmt.Print("🎙️  [space] talk/stop  [i] interrupt  [r] retry  [q] quit\r\n")

	keys := make(chan byte)
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				close(keys)
				return
			}
			if n == 1 {
				keys <- buf[0]
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case key, ok := <-keys:
			if !ok {
				return nil
			}
			switch key {
			case ' ':
				if ctrl.Snapshot().Phase == model.PhaseRecording {
					ctrl.StopRecording(ctx)
				} else if err := ctrl.StartRecording(ctx); err != nil {
					logger.Printf("[Main] start recording: %v\r", err)
				}
			case 'i':
				ctrl.Interrupt()
			case 'r':
				if err := ctrl.Retry(ctx); err != nil {
					logger.Printf("[Main] retry: %v\r", err)
				}
			case 'q', 3: // Ctrl+C 在 raw 模式下不产生 SIGINT
				return nil
			}
		}
	}
}
