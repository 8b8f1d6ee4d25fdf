// Package event は同期実行中のドメインイベントの配送を提供する。
// イベントはdry-runでない実行で実際に状態が変化した場合にのみ発火する。
package event

import (
	"context"
	"log/slog"

	"github.com/hitoshi/backersync/internal/model"
)

// BackerAdded はユーザーが支援者グループに追加されたことを表す。
// Recordには追加の起点となった支援レコードを含む。emailではなく別キーで
// マッチした場合など、対応するレコードが特定できない場合はnil。
type BackerAdded struct {
	User   *model.User
	Group  *model.Group
	Record *model.BackerRecord
}

// BackerRemoved はユーザーが支援者グループから除外されたことを表す。
// グループ間の移動（継続→単発）では発火しない。
type BackerRemoved struct {
	User  *model.User
	Group *model.Group
}

// Event は配送可能なドメインイベントを表す。
type Event interface{}

// Dispatcher はイベント配送のインターフェース。
type Dispatcher interface {
	// Dispatch はイベントを登録済みの全リスナーに同期的に配送する。
	Dispatch(ctx context.Context, e Event)
}

// Handler はイベントを受け取るリスナー関数。
type Handler func(ctx context.Context, e Event)

// Bus はインプロセスのイベントバス。
// リスナーは登録順に同期的に呼び出される。同期実行は単一goroutineのため
// 排他制御は行わない（リスナー登録は起動時に完了させること）。
type Bus struct {
	handlers []Handler
}

// NewBus はBusの新しいインスタンスを生成する。
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe はリスナーを登録する。
func (b *Bus) Subscribe(h Handler) {
	b.handlers = append(b.handlers, h)
}

// Dispatch はイベントを全リスナーに配送する。
func (b *Bus) Dispatch(ctx context.Context, e Event) {
	for _, h := range b.handlers {
		h(ctx, e)
	}
}

// compile-time interface check
var _ Dispatcher = (*Bus)(nil)

// NewLoggingHandler はイベントをJSON構造化ログに記録するリスナーを返す。
func NewLoggingHandler(logger *slog.Logger) Handler {
	return func(ctx context.Context, e Event) {
		switch ev := e.(type) {
		case BackerAdded:
			attrs := []any{
				slog.String("user_id", ev.User.ID),
				slog.String("username", ev.User.Username),
				slog.String("group", ev.Group.Name),
			}
			if ev.Record != nil {
				attrs = append(attrs,
					slog.String("frequency", string(ev.Record.Frequency)),
					slog.String("status", string(ev.Record.Status)),
				)
			}
			logger.Info("backer added to group", attrs...)
		case BackerRemoved:
			logger.Info("backer removed from group",
				slog.String("user_id", ev.User.ID),
				slog.String("username", ev.User.Username),
				slog.String("group", ev.Group.Name),
			)
		}
	}
}
