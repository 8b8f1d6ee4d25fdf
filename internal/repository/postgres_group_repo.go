package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/backersync/internal/model"
)

// PostgresGroupRepo はPostgreSQLを使用したグループリポジトリ。
// group_userテーブルでメンバーシップの多対多関係を管理する。
type PostgresGroupRepo struct {
	db *sql.DB
}

// NewPostgresGroupRepo はPostgresGroupRepoを生成する。
func NewPostgresGroupRepo(db *sql.DB) *PostgresGroupRepo {
	return &PostgresGroupRepo{db: db}
}

// FindByID は指定IDのグループを取得する。見つからない場合はnilを返す。
func (r *PostgresGroupRepo) FindByID(ctx context.Context, id string) (*model.Group, error) {
	group := &model.Group{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM groups WHERE id = $1`,
		id,
	).Scan(&group.ID, &group.Name, &group.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find group by ID: %w", err)
	}

	return group, nil
}

// ListMembers はグループの全メンバーを取得する。
func (r *PostgresGroupRepo) ListMembers(ctx context.Context, groupID string) ([]*model.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT u.id, u.username, u.email, u.is_email_confirmed, u.created_at, u.updated_at
		 FROM users u
		 INNER JOIN group_user gu ON gu.user_id = u.id
		 WHERE gu.group_id = $1
		 ORDER BY u.id`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list group members: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		user := &model.User{}
		if err := rows.Scan(&user.ID, &user.Username, &user.Email, &user.EmailConfirmed, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan group member: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate group members: %w", err)
	}

	return users, nil
}

// IsMember は指定ユーザーがグループのメンバーかを返す。
func (r *PostgresGroupRepo) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM group_user WHERE group_id = $1 AND user_id = $2)`,
		groupID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check group membership: %w", err)
	}
	return exists, nil
}

// Attach は指定ユーザー群をグループに追加する。
// 既にメンバーのユーザーはON CONFLICTで無視される。
func (r *PostgresGroupRepo) Attach(ctx context.Context, groupID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO group_user (group_id, user_id)
		 SELECT $1, unnest($2::text[])
		 ON CONFLICT (group_id, user_id) DO NOTHING`,
		groupID, pq.Array(userIDs),
	)
	if err != nil {
		return fmt.Errorf("failed to attach users to group: %w", err)
	}
	return nil
}

// Detach は指定ユーザー群をグループから除外する。
func (r *PostgresGroupRepo) Detach(ctx context.Context, groupID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}

	_, err := r.db.ExecContext(ctx,
		`DELETE FROM group_user WHERE group_id = $1 AND user_id = ANY($2)`,
		groupID, pq.Array(userIDs),
	)
	if err != nil {
		return fmt.Errorf("failed to detach users from group: %w", err)
	}
	return nil
}

// compile-time interface check
var _ GroupRepository = (*PostgresGroupRepo)(nil)
