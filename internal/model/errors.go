package model

import (
	"fmt"
	"net/http"
)

// ConfigError は同期実行に必要な設定の不足・不正を表す。
// 外部APIへのアクセス前に検出され、実行を中断する。
type ConfigError struct {
	Field  string // 不足・不正な設定項目
	Reason string // 原因の説明
}

// Error はerrorインターフェースを実装する。
func (e *ConfigError) Error() string {
	return fmt.Sprintf("設定エラー [%s]: %s", e.Field, e.Reason)
}

// NewConfigError は設定エラーを生成する。
func NewConfigError(field, reason string) *ConfigError {
	return &ConfigError{Field: field, Reason: reason}
}

// APIError はOpen Collective APIの呼び出し失敗を表す。
// トランスポートエラー、認証エラー、レート制限、GraphQLエラーを含む。
// 同期実行はメンバーシップ変更前に必ずAPI取得を行うため、
// このエラーが発生した実行ではグループは一切変更されない。
type APIError struct {
	StatusCode int
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("Open Collective API エラー (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("Open Collective API エラー: %s", e.Message)
}

// Hint はオペレーター向けの対処方法を返す。対処方法がない場合は空文字列。
func (e *APIError) Hint() string {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return "APIキー（Personal Token）が有効か、コレクティブへのアクセス権があるか確認してください。"
	case http.StatusNotFound:
		return "コレクティブのslugが正しいか確認してください。"
	case http.StatusTooManyRequests:
		return "レート制限に達しています。同期間隔を広げてください。"
	}
	return ""
}

// NewAPIError はAPIエラーを生成する。
func NewAPIError(statusCode int, message string) *APIError {
	return &APIError{StatusCode: statusCode, Message: message}
}
