package backer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/backersync/internal/metrics"
	"github.com/hitoshi/backersync/internal/model"
	"github.com/hitoshi/backersync/internal/opencollective"
	"github.com/hitoshi/backersync/internal/repository"
)

// RosterFetcher は支援者一覧の取得インターフェース。
// 本番ではopencollective.Clientが実装する。
type RosterFetcher interface {
	// FetchBackers はコレクティブの全支援レコードを取得順で返す。
	FetchBackers(ctx context.Context, slug string) (*opencollective.Roster, error)
}

// ServiceConfig はServiceの動作設定。
type ServiceConfig struct {
	CollectiveSlug   string
	RecurringGroupID string
	// OnetimeGroupID が空の場合、単発支援者グループは同期しない。
	OnetimeGroupID string
}

// GroupReport は1グループ分の同期結果の報告。
type GroupReport struct {
	Group          string   `json:"group"`
	Added          []string `json:"added"`
	Removed        []string `json:"removed"`
	MovedToOnetime []string `json:"moved_to_onetime,omitempty"`
}

// SyncReport は1回の同期実行の報告。最終実行の結果として保持され、
// ステータスAPIから参照される。永続化はされない。
type SyncReport struct {
	RunID      string       `json:"run_id"`
	Collective string       `json:"collective"`
	DryRun     bool         `json:"dry_run"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Recurring  GroupReport  `json:"recurring"`
	Onetime    *GroupReport `json:"onetime,omitempty"`
}

// Service は支援者同期の1回の実行を統括する。
// 取得→重複排除→分類→ユーザー解決→グループ同期のパイプラインを
// 単一goroutineで順次実行する。
type Service struct {
	fetcher      RosterFetcher
	matcher      *Matcher
	synchronizer *Synchronizer
	groupRepo    repository.GroupRepository
	collector    metrics.SyncMetricsCollector
	logger       *slog.Logger
	cfg          ServiceConfig

	mu         sync.Mutex
	lastReport *SyncReport
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	fetcher RosterFetcher,
	matcher *Matcher,
	synchronizer *Synchronizer,
	groupRepo repository.GroupRepository,
	collector metrics.SyncMetricsCollector,
	logger *slog.Logger,
	cfg ServiceConfig,
) *Service {
	return &Service{
		fetcher:      fetcher,
		matcher:      matcher,
		synchronizer: synchronizer,
		groupRepo:    groupRepo,
		collector:    collector,
		logger:       logger,
		cfg:          cfg,
	}
}

// Run は同期を1回実行する。
// dryRunの場合は差分の算出のみ行い、一切の変更を適用しない。
// 設定エラー（*model.ConfigError）の場合は外部APIを呼び出す前に中断する。
// APIエラー（*model.APIError）はメンバーシップ変更前に発生するため、
// 失敗した実行でグループが変更されることはない。
func (s *Service) Run(ctx context.Context, dryRun bool) (*SyncReport, error) {
	start := time.Now()

	report, err := s.run(ctx, dryRun)

	s.collector.RecordRunDuration(time.Since(start))
	if err != nil {
		s.collector.RecordRunFailure()
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			s.collector.RecordAPIError(apiErr.StatusCode)
		}
		return nil, err
	}

	s.collector.RecordRunSuccess(dryRun)

	s.mu.Lock()
	s.lastReport = report
	s.mu.Unlock()

	return report, nil
}

// LastReport は最後に成功した実行の報告を返す。未実行の場合はnil。
func (s *Service) LastReport() *SyncReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReport
}

func (s *Service) run(ctx context.Context, dryRun bool) (*SyncReport, error) {
	report := &SyncReport{
		RunID:     uuid.NewString(),
		DryRun:    dryRun,
		StartedAt: time.Now(),
	}

	// 設定の検証とグループ解決。外部APIを呼び出す前に失敗させる。
	if s.cfg.CollectiveSlug == "" {
		return nil, model.NewConfigError("collective_slug", "コレクティブのslugが設定されていません")
	}
	if s.cfg.RecurringGroupID == "" {
		return nil, model.NewConfigError("recurring_group_id", "継続支援者グループのIDが設定されていません")
	}

	recurringGroup, err := s.groupRepo.FindByID(ctx, s.cfg.RecurringGroupID)
	if err != nil {
		return nil, fmt.Errorf("継続支援者グループの取得に失敗: %w", err)
	}
	if recurringGroup == nil {
		return nil, model.NewConfigError("recurring_group_id", fmt.Sprintf("グループが存在しません: %s", s.cfg.RecurringGroupID))
	}

	var onetimeGroup *model.Group
	if s.cfg.OnetimeGroupID != "" {
		onetimeGroup, err = s.groupRepo.FindByID(ctx, s.cfg.OnetimeGroupID)
		if err != nil {
			return nil, fmt.Errorf("単発支援者グループの取得に失敗: %w", err)
		}
		if onetimeGroup == nil {
			return nil, model.NewConfigError("onetime_group_id", fmt.Sprintf("グループが存在しません: %s", s.cfg.OnetimeGroupID))
		}
	}

	// 取得: 頻度バケットごとの支援レコード（MONTHLY→YEARLY→ONETIME）。
	roster, err := s.fetcher.FetchBackers(ctx, s.cfg.CollectiveSlug)
	if err != nil {
		return nil, err
	}
	report.Collective = roster.CollectiveName
	s.collector.RecordBackersFetched(len(roster.Records))

	// 重複排除と分類。
	unique := s.matcher.Deduplicate(roster.Records)
	partition := s.matcher.Categorize(unique)

	s.logger.Info("classified backers",
		slog.String("collective", roster.CollectiveName),
		slog.Int("fetched", len(roster.Records)),
		slog.Int("unique", len(unique)),
		slog.Int("recurring", len(partition.Recurring)),
		slog.Int("onetime", len(partition.Onetime)),
	)

	// ユーザー解決。
	recurringUsers, err := s.matcher.Resolve(ctx, partition.Recurring)
	if err != nil {
		return nil, fmt.Errorf("継続支援者のユーザー解決に失敗: %w", err)
	}
	onetimeUsers, err := s.matcher.Resolve(ctx, partition.Onetime)
	if err != nil {
		return nil, fmt.Errorf("単発支援者のユーザー解決に失敗: %w", err)
	}

	// グループ同期。
	outcome, err := s.synchronizer.SynchronizeBothGroups(
		ctx,
		recurringGroup, onetimeGroup,
		recurringUsers, onetimeUsers,
		s.matcher.Emails(partition.Recurring), s.matcher.Emails(partition.Onetime),
		partition, dryRun,
	)
	if err != nil {
		return nil, err
	}

	if !dryRun {
		s.collector.RecordMembersAdded(len(outcome.Recurring.Added) + len(outcome.Onetime.Added))
		s.collector.RecordMembersRemoved(len(outcome.Recurring.Removed) + len(outcome.Onetime.Removed))
		s.collector.RecordMembersMoved(len(outcome.Recurring.MovedToOnetime))
	}

	report.FinishedAt = time.Now()
	report.Recurring = groupReport(recurringGroup, &outcome.Recurring)
	if onetimeGroup != nil && onetimeGroup.ID != recurringGroup.ID {
		onetimeReport := groupReport(onetimeGroup, &outcome.Onetime)
		report.Onetime = &onetimeReport
	}

	s.logger.Info("sync run completed",
		slog.String("run_id", report.RunID),
		slog.String("collective", report.Collective),
		slog.Bool("dry_run", dryRun),
		slog.Int("recurring_added", len(outcome.Recurring.Added)),
		slog.Int("recurring_removed", len(outcome.Recurring.Removed)),
		slog.Int("moved_to_onetime", len(outcome.Recurring.MovedToOnetime)),
		slog.Int("onetime_added", len(outcome.Onetime.Added)),
		slog.Int("onetime_removed", len(outcome.Onetime.Removed)),
	)

	return report, nil
}

// groupReport はSyncOutcomeをユーザー名ベースの報告に変換する。
func groupReport(group *model.Group, outcome *SyncOutcome) GroupReport {
	return GroupReport{
		Group:          group.Name,
		Added:          usernames(outcome.Added),
		Removed:        usernames(outcome.Removed),
		MovedToOnetime: usernames(outcome.MovedToOnetime),
	}
}

// usernames はユーザー列からユーザー名列を抽出する。
func usernames(users []*model.User) []string {
	names := make([]string, len(users))
	for i, u := range users {
		names[i] = u.Username
	}
	return names
}
