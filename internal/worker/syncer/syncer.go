// Package syncer は支援者同期のバックグラウンド実行を提供する。
// 定期実行スケジューラと、多重実行を防止するガードを含む。
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/backersync/internal/backer"
	"github.com/hitoshi/backersync/internal/model"
)

// ErrRunInProgress は同期実行がすでに進行中であることを示す。
var ErrRunInProgress = errors.New("同期実行がすでに進行中です")

// SyncRunner は同期実行のインターフェース。backer.Serviceが実装する。
type SyncRunner interface {
	Run(ctx context.Context, dryRun bool) (*backer.SyncReport, error)
}

// Guard は同期実行の多重起動を防止する。
// 同期コア自体はロックを持たないため（同時実行は1つという前提）、
// スケジューラと手動トリガーの双方がこのガードを経由する。
type Guard struct {
	mu      sync.Mutex
	service SyncRunner
}

// NewGuard はGuardの新しいインスタンスを生成する。
func NewGuard(service SyncRunner) *Guard {
	return &Guard{service: service}
}

// TryRun は実行中でなければ同期を実行する。
// すでに実行中の場合はErrRunInProgressを返す。
// dry-runは外部状態を一切変更しないが、実行報告の混線を避けるため
// 本実行と同じガードを通す。
func (g *Guard) TryRun(ctx context.Context, dryRun bool) (*backer.SyncReport, error) {
	if !g.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer g.mu.Unlock()

	return g.service.Run(ctx, dryRun)
}

// Scheduler は同期の定期実行を行う。
// 起動直後に1回実行し、以降は指定間隔のティッカーで実行する。
// 前回の実行が終わっていない場合、そのサイクルはスキップする。
type Scheduler struct {
	guard  *Guard
	logger *slog.Logger
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(guard *Guard, logger *slog.Logger) *Scheduler {
	return &Scheduler{guard: guard, logger: logger}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する（ブロッキング）。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
	)

	// 起動直後に1回実行
	s.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// runOnce は同期を1回実行し、結果をログに記録する。
// スケジューラは失敗してもリトライせず、次のサイクルを待つ
// （リトライ/バックオフは同期コアの責務外）。
func (s *Scheduler) runOnce(ctx context.Context) {
	report, err := s.guard.TryRun(ctx, false)
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			s.logger.Warn("前回の同期実行が完了していないため、このサイクルをスキップします")
			return
		}

		attrs := []any{slog.String("error", err.Error())}
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Hint() != "" {
			attrs = append(attrs, slog.String("hint", apiErr.Hint()))
		}
		s.logger.Error("同期実行に失敗しました", attrs...)
		return
	}

	s.logger.Info("同期サイクルが完了しました",
		slog.String("run_id", report.RunID),
		slog.String("collective", report.Collective),
	)
}
