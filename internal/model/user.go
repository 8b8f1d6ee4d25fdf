package model

import "time"

// User はフォーラムのユーザーアカウントを表す。
// 本システムはIDとメールアドレスの読み取り、およびグループ所属の変更のみを行う。
type User struct {
	ID             string
	Username       string
	Email          string
	EmailConfirmed bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Group はユーザーグループを表す。
type Group struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// GroupRole はManagedUserSetの永続化キーを区別するグループの役割を表す。
type GroupRole string

const (
	// GroupRoleRecurring は継続支援者グループを示す。
	GroupRoleRecurring GroupRole = "recurring"
	// GroupRoleOnetime は単発支援者グループを示す。
	GroupRoleOnetime GroupRole = "onetime"
)
