// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/backersync/internal/model"
)

// UserRepository はユーザーデータの読み取りインターフェース。
// 本システムはユーザーの作成・更新は行わない。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindConfirmedByEmails はメールアドレスが確認済みで、かつ指定の
	// メールアドレス集合に含まれるユーザーを取得する。
	// 未確認メールのアカウントは完全一致でもマッチしない。
	// 該当0件はエラーではなく空スライスを返す。
	FindConfirmedByEmails(ctx context.Context, emails []string) ([]*model.User, error)
}

// GroupRepository はグループとメンバーシップの永続化インターフェース。
type GroupRepository interface {
	// FindByID は指定IDのグループを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Group, error)

	// ListMembers はグループの全メンバーを取得する。
	ListMembers(ctx context.Context, groupID string) ([]*model.User, error)

	// IsMember は指定ユーザーがグループのメンバーかを返す。
	IsMember(ctx context.Context, groupID, userID string) (bool, error)

	// Attach は指定ユーザー群をグループに追加する。既存メンバーは無視する。
	Attach(ctx context.Context, groupID string, userIDs []string) error

	// Detach は指定ユーザー群をグループから除外する。
	Detach(ctx context.Context, groupID string, userIDs []string) error
}

// SettingsRepository はキー/バリュー形式の設定値の永続化インターフェース。
// ManagedUserSetのシリアライズ値の保存に使用する。
type SettingsRepository interface {
	// Get は指定キーの値を取得する。キーが存在しない場合はdefaultValueを返す。
	Get(ctx context.Context, key, defaultValue string) (string, error)

	// Set は指定キーに値を保存する。既存の値は上書きされる。
	Set(ctx context.Context, key, value string) error
}
