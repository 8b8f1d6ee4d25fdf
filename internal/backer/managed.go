package backer

import (
	"encoding/json"
	"fmt"

	"github.com/hitoshi/backersync/internal/model"
)

// managedUsersKeyPrefix はManagedUserSetの永続化キーのプレフィックス。
// グループの役割（recurring/onetime）ごとに別のキーで保存する。
const managedUsersKeyPrefix = "backersync.managed_users."

// ManagedUsersKey は指定ロールのManagedUserSet永続化キーを返す。
func ManagedUsersKey(role model.GroupRole) string {
	return managedUsersKeyPrefix + string(role)
}

// ManagedUserSet は本システムがグループに追加したユーザーIDの集合を表す。
// この集合に含まれるユーザーのみが同期処理による除外の対象となる。
// 管理者が手動で追加したメンバーは含まれないため、決して除外されない。
// 挿入順を保つ順序付きユニーク集合としてJSON配列でシリアライズされる。
type ManagedUserSet struct {
	ids   []string
	index map[string]bool
}

// NewManagedUserSet は指定IDを含むManagedUserSetを生成する。
// 重複IDは最初の出現のみ残す。
func NewManagedUserSet(ids ...string) *ManagedUserSet {
	s := &ManagedUserSet{index: make(map[string]bool)}
	s.Merge(ids)
	return s
}

// ParseManagedUserSet はJSON配列のシリアライズ値からManagedUserSetを復元する。
// 空文字列は空集合として扱う（初回実行時の遅延生成）。
func ParseManagedUserSet(serialized string) (*ManagedUserSet, error) {
	if serialized == "" {
		return NewManagedUserSet(), nil
	}

	var ids []string
	if err := json.Unmarshal([]byte(serialized), &ids); err != nil {
		return nil, fmt.Errorf("failed to parse managed user set: %w", err)
	}
	return NewManagedUserSet(ids...), nil
}

// Contains は指定IDが集合に含まれるかを返す。
func (s *ManagedUserSet) Contains(id string) bool {
	return s.index[id]
}

// Remove は指定IDを集合から取り除く。含まれない場合は何もしない。
func (s *ManagedUserSet) Remove(id string) {
	if !s.index[id] {
		return
	}
	delete(s.index, id)
	for i, existing := range s.ids {
		if existing == id {
			s.ids = append(s.ids[:i], s.ids[i+1:]...)
			break
		}
	}
}

// Merge は指定IDを集合の末尾に追加する。既存IDは無視する。
func (s *ManagedUserSet) Merge(ids []string) {
	for _, id := range ids {
		if id == "" || s.index[id] {
			continue
		}
		s.index[id] = true
		s.ids = append(s.ids, id)
	}
}

// Len は集合の要素数を返す。
func (s *ManagedUserSet) Len() int {
	return len(s.ids)
}

// IDs は集合の全IDを挿入順で返す。返り値はコピーであり変更しても安全。
func (s *ManagedUserSet) IDs() []string {
	ids := make([]string, len(s.ids))
	copy(ids, s.ids)
	return ids
}

// Serialize は集合をJSON配列にシリアライズする。
func (s *ManagedUserSet) Serialize() (string, error) {
	if s.ids == nil {
		return "[]", nil
	}
	data, err := json.Marshal(s.ids)
	if err != nil {
		return "", fmt.Errorf("failed to serialize managed user set: %w", err)
	}
	return string(data), nil
}
