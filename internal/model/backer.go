// Package model はドメインモデルを定義する。
package model

// Frequency はOpen Collective上の支援頻度を表す。
type Frequency string

const (
	// FrequencyMonthly は月次の定期支援を示す。
	FrequencyMonthly Frequency = "MONTHLY"
	// FrequencyYearly は年次の定期支援を示す。
	FrequencyYearly Frequency = "YEARLY"
	// FrequencyOnetime は単発の支援を示す。
	FrequencyOnetime Frequency = "ONETIME"
	// FrequencyNone は頻度情報が取得できなかったことを示す。
	FrequencyNone Frequency = ""
)

// OrderStatus はOpen Collective上のオーダーの状態を表す。
// 列挙にない値もAPIから返り得るため、そのまま保持する。
type OrderStatus string

const (
	// OrderStatusActive は継続中の定期支援を示す。
	OrderStatusActive OrderStatus = "ACTIVE"
	// OrderStatusCancelled はキャンセルされた定期支援を示す。
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusPaused は一時停止中の定期支援を示す。
	OrderStatusPaused OrderStatus = "PAUSED"
	// OrderStatusPaid は支払い完了した単発支援を示す。
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusError は決済エラーを示す。
	OrderStatusError OrderStatus = "ERROR"
)

// BackerRecord はOpen Collectiveから取得した1件の支援レコードを表す。
// 実行のたびにAPIレスポンスから生成され、永続化されない。
type BackerRecord struct {
	AccountID string
	Email     string
	Name      string
	Frequency Frequency
	Status    OrderStatus
}

// Key は重複排除に使用する識別キーを返す。
// emailを優先し、なければaccount IDにフォールバックする。
// どちらも空の場合は空文字列を返す（衝突し得ないレコード）。
func (r BackerRecord) Key() string {
	if r.Email != "" {
		return r.Email
	}
	return r.AccountID
}

// IsRecurring はこのレコードが継続支援に分類されるかを返す。
// MONTHLY/YEARLYかつACTIVEの場合のみ継続支援となる。
// キャンセル・一時停止された定期支援は単発支援者として扱う
// （支援実績はあるが、継続中ではない）。
func (r BackerRecord) IsRecurring() bool {
	if r.Frequency != FrequencyMonthly && r.Frequency != FrequencyYearly {
		return false
	}
	return r.Status == OrderStatusActive
}

// BackerPartition は支援レコードを継続/単発に分割した結果を表す。
// 1回の同期実行ごとに生成され、各リスト内の順序は入力順を保つ。
type BackerPartition struct {
	Recurring []BackerRecord
	Onetime   []BackerRecord
}
