// Package backer はOpen Collective支援者とローカルユーザーグループの
// 照合・同期ロジックを提供する。重複排除、継続/単発の分類、
// ユーザー解決、グループメンバーシップの差分適用を含む。
package backer

import (
	"context"

	"github.com/hitoshi/backersync/internal/model"
	"github.com/hitoshi/backersync/internal/repository"
)

// Matcher は支援レコードの重複排除・分類・ユーザー解決を行う。
// 全メソッドは入力順を保存し、副作用を持たない（Resolveを除く）。
type Matcher struct {
	userRepo repository.UserRepository
}

// NewMatcher はMatcherの新しいインスタンスを生成する。
func NewMatcher(userRepo repository.UserRepository) *Matcher {
	return &Matcher{userRepo: userRepo}
}

// Deduplicate は複数の頻度バケットを連結した支援レコード列から
// 同一支援者の重複を取り除く。
// 2つのレコードは、非空のemailが一致するか、非空のaccount IDが
// 一致する場合に同一支援者とみなす（どちらか一方の一致で十分）。
// 取得順で最初に出現したレコードが残り、以降の重複は捨てられる。
// emailもaccount IDも持たないレコードは衝突し得ないため常に残る。
func (m *Matcher) Deduplicate(records []model.BackerRecord) []model.BackerRecord {
	seenEmail := make(map[string]bool)
	seenAccount := make(map[string]bool)

	unique := make([]model.BackerRecord, 0, len(records))
	for _, r := range records {
		if r.Email != "" && seenEmail[r.Email] {
			continue
		}
		if r.AccountID != "" && seenAccount[r.AccountID] {
			continue
		}

		unique = append(unique, r)
		if r.Email != "" {
			seenEmail[r.Email] = true
		}
		if r.AccountID != "" {
			seenAccount[r.AccountID] = true
		}
	}

	return unique
}

// Categorize は重複排除済みの支援レコード列を継続/単発に分割する。
// 分類ルールはBackerRecord.IsRecurringに従う。各パーティション内の
// 順序は入力順を保つ。
func (m *Matcher) Categorize(records []model.BackerRecord) model.BackerPartition {
	partition := model.BackerPartition{}

	for _, r := range records {
		if r.IsRecurring() {
			partition.Recurring = append(partition.Recurring, r)
		} else {
			partition.Onetime = append(partition.Onetime, r)
		}
	}

	return partition
}

// Emails は支援レコード列から非空のメールアドレスを重複なしで抽出する。
// 順序は最初の出現順を保つ。
func (m *Matcher) Emails(records []model.BackerRecord) []string {
	seen := make(map[string]bool)
	var emails []string

	for _, r := range records {
		if r.Email == "" || seen[r.Email] {
			continue
		}
		seen[r.Email] = true
		emails = append(emails, r.Email)
	}

	return emails
}

// Resolve は支援レコード列をローカルユーザーに解決する。
// メールアドレスが確認済みのユーザーのみがマッチする。
// 未確認メールのアカウントは完全一致でも対象外となる
// （未検証アドレスに基づくグループ付与を防ぐ）。
// 該当0件はエラーではない。
func (m *Matcher) Resolve(ctx context.Context, records []model.BackerRecord) ([]*model.User, error) {
	emails := m.Emails(records)
	if len(emails) == 0 {
		return nil, nil
	}
	return m.userRepo.FindConfirmedByEmails(ctx, emails)
}
