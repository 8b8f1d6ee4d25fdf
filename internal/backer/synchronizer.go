package backer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/backersync/internal/event"
	"github.com/hitoshi/backersync/internal/model"
	"github.com/hitoshi/backersync/internal/repository"
)

// SyncOutcome は1つのグループに対する同期結果を表す。
// 呼び出し元への報告用であり、永続化されない。
type SyncOutcome struct {
	Added   []*model.User
	Removed []*model.User
	// MovedToOnetime は継続支援が終了し単発支援者グループへ移動した
	// ユーザー。Removedの部分集合として継続グループからは除外されるが、
	// 支援者であることに変わりはないためBackerRemovedイベントは発火しない。
	MovedToOnetime []*model.User
}

// DualSyncOutcome は継続/単発の2グループ同期の結果を表す。
type DualSyncOutcome struct {
	Recurring SyncOutcome
	Onetime   SyncOutcome
}

// syncPlan はグループ同期の純粋な差分計算結果。
// dry-runはこの計画の算出で停止し、適用フェーズには進まない。
type syncPlan struct {
	toAdd    []*model.User
	toRemove []*model.User
	moved    []*model.User // toRemoveの部分集合
	movedIDs map[string]bool
}

// Synchronizer はグループメンバーシップを支援者集合に一致させる。
// 本システムが追加したメンバー（ManagedUserSet）のみを除外対象とし、
// 管理者による手動付与には一切触れない。
type Synchronizer struct {
	groupRepo repository.GroupRepository
	settings  repository.SettingsRepository
	events    event.Dispatcher
	logger    *slog.Logger
}

// NewSynchronizer はSynchronizerの新しいインスタンスを生成する。
func NewSynchronizer(
	groupRepo repository.GroupRepository,
	settings repository.SettingsRepository,
	events event.Dispatcher,
	logger *slog.Logger,
) *Synchronizer {
	return &Synchronizer{
		groupRepo: groupRepo,
		settings:  settings,
		events:    events,
		logger:    logger,
	}
}

// Synchronize は1つのグループのメンバーシップを支援者集合に一致させる。
// backerUsersは解決済みの支援者ユーザー、backerEmailsは「まだ支援者で
// あるか」の判定に使う全支援者メールアドレス、recordsはBackerAdded
// イベントに添付する生の支援レコード（取得順）。
// dryRunの場合は差分の算出のみ行い、グループ・ManagedUserSet・イベントの
// いずれも変更しない。
func (s *Synchronizer) Synchronize(
	ctx context.Context,
	group *model.Group,
	role model.GroupRole,
	backerUsers []*model.User,
	backerEmails []string,
	records []model.BackerRecord,
	dryRun bool,
) (*SyncOutcome, error) {
	return s.syncGroup(ctx, group, role, backerUsers, backerEmails, records, nil, dryRun)
}

// SynchronizeBothGroups は継続グループと（設定されていれば）単発グループの
// 両方を同期する。
//
// 両者が同一グループの場合は、継続+単発の和集合に対する単一グループ同期に
// 縮退する（単発グループ未分離の運用で二重処理を避ける）。
//
// それ以外の場合は継続グループを先に同期する。その際、単発支援者メールに
// 含まれる管理対象メンバーは「継続→単発の移動」として扱い、継続グループ
// からの除外とManagedUserSetからの削除は通常の除外と同様に行うが、
// BackerRemovedイベントは発火しない。単発グループが設定されていれば、
// 移動ユーザーは単発グループの追加対象に合流する。未設定の場合、移動
// ユーザーは行き先なしで継続グループから外れるだけとなる。
func (s *Synchronizer) SynchronizeBothGroups(
	ctx context.Context,
	recurringGroup *model.Group,
	onetimeGroup *model.Group,
	recurringUsers []*model.User,
	onetimeUsers []*model.User,
	recurringEmails []string,
	onetimeEmails []string,
	partition model.BackerPartition,
	dryRun bool,
) (*DualSyncOutcome, error) {
	// 縮退モード: 単発グループが継続グループと同一の場合、
	// 和集合に対する単一グループ同期として処理する。
	if onetimeGroup != nil && onetimeGroup.ID == recurringGroup.ID {
		users := unionUsers(recurringUsers, onetimeUsers)
		emails := unionEmails(recurringEmails, onetimeEmails)
		records := append(append([]model.BackerRecord{}, partition.Recurring...), partition.Onetime...)

		outcome, err := s.syncGroup(ctx, recurringGroup, model.GroupRoleRecurring, users, emails, records, nil, dryRun)
		if err != nil {
			return nil, err
		}
		return &DualSyncOutcome{Recurring: *outcome}, nil
	}

	// 継続グループの同期。単発支援者メールを移動判定に使用する。
	moveEmails := make(map[string]bool, len(onetimeEmails))
	for _, email := range onetimeEmails {
		moveEmails[email] = true
	}

	recurringOutcome, err := s.syncGroup(
		ctx, recurringGroup, model.GroupRoleRecurring,
		recurringUsers, recurringEmails, partition.Recurring,
		moveEmails, dryRun,
	)
	if err != nil {
		return nil, fmt.Errorf("継続グループの同期に失敗: %w", err)
	}

	result := &DualSyncOutcome{Recurring: *recurringOutcome}

	if onetimeGroup == nil {
		return result, nil
	}

	// 単発グループの同期。移動ユーザーを追加対象に合流させる。
	// 移動ユーザーのメールは定義上onetimeEmailsに含まれるため、
	// 除外判定で誤って落ちることはない。
	onetimeTargets := unionUsers(onetimeUsers, recurringOutcome.MovedToOnetime)

	onetimeOutcome, err := s.syncGroup(
		ctx, onetimeGroup, model.GroupRoleOnetime,
		onetimeTargets, onetimeEmails, partition.Onetime,
		nil, dryRun,
	)
	if err != nil {
		return nil, fmt.Errorf("単発グループの同期に失敗: %w", err)
	}

	result.Onetime = *onetimeOutcome
	return result, nil
}

// syncGroup は1グループの同期を実行する。計画(plan)と適用(apply)の
// 2フェーズに分かれ、dryRunでは計画のみを行う。
// moveEmailsが与えられた場合、除外対象のうちメールがこれに含まれる
// ユーザーは「移動」として扱われ、BackerRemovedイベントが抑止される。
func (s *Synchronizer) syncGroup(
	ctx context.Context,
	group *model.Group,
	role model.GroupRole,
	backerUsers []*model.User,
	backerEmails []string,
	records []model.BackerRecord,
	moveEmails map[string]bool,
	dryRun bool,
) (*SyncOutcome, error) {
	managed, err := s.loadManagedUsers(ctx, role)
	if err != nil {
		return nil, err
	}

	members, err := s.groupRepo.ListMembers(ctx, group.ID)
	if err != nil {
		return nil, fmt.Errorf("グループメンバーの取得に失敗: %w", err)
	}

	plan := planGroupSync(members, managed, backerUsers, backerEmails, moveEmails)

	s.logger.Info("computed group sync plan",
		slog.String("group", group.Name),
		slog.String("role", string(role)),
		slog.Int("to_add", len(plan.toAdd)),
		slog.Int("to_remove", len(plan.toRemove)),
		slog.Int("moved_to_onetime", len(plan.moved)),
		slog.Bool("dry_run", dryRun),
	)

	if dryRun {
		return planOutcome(plan), nil
	}

	if err := s.applyPlan(ctx, group, role, plan, managed, records); err != nil {
		return nil, err
	}

	return planOutcome(plan), nil
}

// planGroupSync は現在のメンバー・管理対象集合・支援者集合から差分を
// 純粋に計算する。外部呼び出しを一切行わない。
//
//   - toRemove: グループメンバーかつ管理対象で、メールが支援者メール
//     集合にないユーザー。管理対象外（手動付与）のメンバーは支援状況に
//     かかわらず除外候補にならない。
//   - moved: toRemoveのうちメールがmoveEmailsに含まれるユーザー。
//   - toAdd: 支援者ユーザーのうち、まだメンバーでないユーザー。
func planGroupSync(
	members []*model.User,
	managed *ManagedUserSet,
	backerUsers []*model.User,
	backerEmails []string,
	moveEmails map[string]bool,
) syncPlan {
	emailSet := make(map[string]bool, len(backerEmails))
	for _, email := range backerEmails {
		emailSet[email] = true
	}

	memberIDs := make(map[string]bool, len(members))
	plan := syncPlan{movedIDs: make(map[string]bool)}

	for _, member := range members {
		memberIDs[member.ID] = true

		if !managed.Contains(member.ID) {
			continue
		}
		if emailSet[member.Email] {
			continue
		}

		plan.toRemove = append(plan.toRemove, member)
		if moveEmails != nil && moveEmails[member.Email] {
			plan.moved = append(plan.moved, member)
			plan.movedIDs[member.ID] = true
		}
	}

	for _, user := range backerUsers {
		if !memberIDs[user.ID] {
			plan.toAdd = append(plan.toAdd, user)
		}
	}

	return plan
}

// applyPlan は計算済みの差分をグループストアに適用し、イベントを発火し、
// ManagedUserSetを更新・永続化する。
// ManagedUserSetの永続化は全detach/attachの成功後に1回だけ行う。
// そのため途中でプロセスが落ちると、既にグループから外れたユーザーが
// 集合に残る不整合窓が生じるが、次回実行で「メンバーでないユーザー」
// として扱われ自己修復する。
func (s *Synchronizer) applyPlan(
	ctx context.Context,
	group *model.Group,
	role model.GroupRole,
	plan syncPlan,
	managed *ManagedUserSet,
	records []model.BackerRecord,
) error {
	if len(plan.toRemove) > 0 {
		if err := s.groupRepo.Detach(ctx, group.ID, userIDs(plan.toRemove)); err != nil {
			return fmt.Errorf("グループからの除外に失敗: %w", err)
		}
		for _, user := range plan.toRemove {
			if !plan.movedIDs[user.ID] {
				s.events.Dispatch(ctx, event.BackerRemoved{User: user, Group: group})
			}
			managed.Remove(user.ID)
		}
	}

	if len(plan.toAdd) > 0 {
		if err := s.groupRepo.Attach(ctx, group.ID, userIDs(plan.toAdd)); err != nil {
			return fmt.Errorf("グループへの追加に失敗: %w", err)
		}
		for _, user := range plan.toAdd {
			s.events.Dispatch(ctx, event.BackerAdded{
				User:   user,
				Group:  group,
				Record: findRecordForUser(user, records),
			})
		}
		managed.Merge(userIDs(plan.toAdd))
	}

	return s.saveManagedUsers(ctx, role, managed)
}

// loadManagedUsers は指定ロールのManagedUserSetを設定ストアから読み込む。
// 未保存の場合は空集合を返す（初回実行時の遅延生成）。
func (s *Synchronizer) loadManagedUsers(ctx context.Context, role model.GroupRole) (*ManagedUserSet, error) {
	serialized, err := s.settings.Get(ctx, ManagedUsersKey(role), "[]")
	if err != nil {
		return nil, fmt.Errorf("管理対象ユーザー集合の読み込みに失敗: %w", err)
	}
	return ParseManagedUserSet(serialized)
}

// saveManagedUsers は指定ロールのManagedUserSetを設定ストアに保存する。
func (s *Synchronizer) saveManagedUsers(ctx context.Context, role model.GroupRole, managed *ManagedUserSet) error {
	serialized, err := managed.Serialize()
	if err != nil {
		return err
	}
	if err := s.settings.Set(ctx, ManagedUsersKey(role), serialized); err != nil {
		return fmt.Errorf("管理対象ユーザー集合の保存に失敗: %w", err)
	}
	return nil
}

// findRecordForUser はユーザーのメールアドレスに一致する最初の支援レコード
// （取得順）を返す。email以外のキーでマッチしたユーザーなど、対応する
// レコードが見つからない場合はnilを返す。
func findRecordForUser(user *model.User, records []model.BackerRecord) *model.BackerRecord {
	for i := range records {
		if records[i].Email != "" && records[i].Email == user.Email {
			return &records[i]
		}
	}
	return nil
}

// planOutcome はsyncPlanを報告用のSyncOutcomeに変換する。
func planOutcome(plan syncPlan) *SyncOutcome {
	return &SyncOutcome{
		Added:          plan.toAdd,
		Removed:        plan.toRemove,
		MovedToOnetime: plan.moved,
	}
}

// userIDs はユーザー列からID列を抽出する。
func userIDs(users []*model.User) []string {
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	return ids
}

// unionUsers は2つのユーザー列をIDで重複排除して連結する。
func unionUsers(a, b []*model.User) []*model.User {
	seen := make(map[string]bool, len(a)+len(b))
	union := make([]*model.User, 0, len(a)+len(b))
	for _, u := range append(append([]*model.User{}, a...), b...) {
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		union = append(union, u)
	}
	return union
}

// unionEmails は2つのメールアドレス列を重複排除して連結する。
func unionEmails(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	union := make([]string, 0, len(a)+len(b))
	for _, email := range append(append([]string{}, a...), b...) {
		if seen[email] {
			continue
		}
		seen[email] = true
		union = append(union, email)
	}
	return union
}
