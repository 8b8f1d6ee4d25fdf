// Package app はアプリケーションの起動と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/backersync/internal/backer"
	"github.com/hitoshi/backersync/internal/config"
	"github.com/hitoshi/backersync/internal/database"
	"github.com/hitoshi/backersync/internal/event"
	"github.com/hitoshi/backersync/internal/handler"
	"github.com/hitoshi/backersync/internal/logger"
	"github.com/hitoshi/backersync/internal/metrics"
	"github.com/hitoshi/backersync/internal/middleware"
	"github.com/hitoshi/backersync/internal/model"
	"github.com/hitoshi/backersync/internal/opencollective"
	"github.com/hitoshi/backersync/internal/repository"
	"github.com/hitoshi/backersync/internal/worker/syncer"
)

// Init はアプリケーションの初期化を行う。
// .envがあれば読み込み、環境変数からConfigを読み込み、
// JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. ローカル開発用の.envを読み込む（存在しなければ何もしない）
	_ = godotenv.Load()

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, cmdArgs := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("collective", cfg.CollectiveSlug),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandSync:
		return runSync(cfg, cmdArgs)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// syncDeps は同期実行に必要な依存一式。
type syncDeps struct {
	db      *sql.DB
	guard   *syncer.Guard
	service *backer.Service
	reg     *prometheus.Registry
}

// buildSyncDeps はDB接続を開き、同期パイプラインの全依存をワイヤリングする。
func buildSyncDeps(cfg *config.Config) (*syncDeps, error) {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	groupRepo := repository.NewPostgresGroupRepo(db)
	settingsRepo := repository.NewPostgresSettingsRepo(db)

	// 3. メトリクスの初期化
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	// 4. イベントバスの初期化
	bus := event.NewBus()
	bus.Subscribe(event.NewLoggingHandler(slog.Default()))

	// 5. Open Collectiveクライアントの初期化
	client := opencollective.NewClient(
		&http.Client{Timeout: cfg.FetchTimeout},
		slog.Default(),
		opencollective.Config{
			APIKey:            cfg.APIKey,
			LegacyKey:         cfg.LegacyAPIKey,
			RequestsPerSecond: cfg.APIRatePerSecond,
		},
	)

	// 6. 同期パイプラインの組み立て
	matcher := backer.NewMatcher(userRepo)
	synchronizer := backer.NewSynchronizer(groupRepo, settingsRepo, bus, slog.Default())
	service := backer.NewService(
		client, matcher, synchronizer, groupRepo, collector, slog.Default(),
		backer.ServiceConfig{
			CollectiveSlug:   cfg.CollectiveSlug,
			RecurringGroupID: cfg.RecurringGroupID,
			OnetimeGroupID:   cfg.OnetimeGroupID,
		},
	)

	return &syncDeps{
		db:      db,
		guard:   syncer.NewGuard(service),
		service: service,
		reg:     reg,
	}, nil
}

// runServe は管理APIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	deps, err := buildSyncDeps(cfg)
	if err != nil {
		return err
	}
	defer deps.db.Close()

	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		HealthChecker: deps.db,
		Logger:        slog.Default(),
		RateLimiter:   rateLimiter,
		Gatherer:      deps.reg,
		SyncStatus:    deps.service,
		SyncTrigger:   deps.guard,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("admin API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down admin API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("admin API server stopped gracefully")
	return nil
}

// runWorker は定期同期ワーカーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	deps, err := buildSyncDeps(cfg)
	if err != nil {
		return err
	}
	defer deps.db.Close()

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("sync_interval", cfg.SyncInterval),
	)

	// 同期スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler := syncer.NewScheduler(deps.guard, slog.Default())
	scheduler.Start(ctx, cfg.SyncInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runSync は同期を1回だけ実行して終了する。
// --dry-runフラグで差分の算出のみ行う。
// 成功時（変更なしを含む）は正常終了、設定エラー・APIエラー・
// 予期しないエラーはすべてエラーとして返り、終了コード1になる。
func runSync(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "差分の算出のみ行い、変更を適用しない")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("invalid sync arguments: %w", err)
	}

	deps, err := buildSyncDeps(cfg)
	if err != nil {
		return err
	}
	defer deps.db.Close()

	report, err := deps.guard.TryRun(context.Background(), *dryRun)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Hint() != "" {
			slog.Error("sync failed",
				slog.String("error", apiErr.Error()),
				slog.String("hint", apiErr.Hint()),
			)
		}
		return fmt.Errorf("sync failed: %w", err)
	}

	slog.Info("sync completed",
		slog.String("run_id", report.RunID),
		slog.String("collective", report.Collective),
		slog.Bool("dry_run", report.DryRun),
		slog.Int("recurring_added", len(report.Recurring.Added)),
		slog.Int("recurring_removed", len(report.Recurring.Removed)),
		slog.Int("moved_to_onetime", len(report.Recurring.MovedToOnetime)),
	)
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
