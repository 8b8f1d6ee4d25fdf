// Package opencollective はOpen Collective GraphQL API v2のクライアントを提供する。
// コレクティブの支援オーダーを頻度バケットごとに取得する。
package opencollective

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/hitoshi/backersync/internal/model"
)

const (
	// defaultEndpoint はOpen Collective GraphQL API v2のエンドポイント。
	defaultEndpoint = "https://api.opencollective.com/graphql/v2"
	// pageSize は1リクエストあたりのオーダー取得件数。
	pageSize = 100
)

// fetchFrequencies は取得する頻度バケットとその順序。
// この順序が重複排除の優先順位（先勝ち）を決める。
var fetchFrequencies = []model.Frequency{
	model.FrequencyMonthly,
	model.FrequencyYearly,
	model.FrequencyOnetime,
}

// ordersQuery はコレクティブの支援オーダーを取得するGraphQLクエリ。
// キャンセル・一時停止されたオーダーも取得する（単発支援者として分類される）。
const ordersQuery = `
query collectiveOrders($slug: String, $frequency: ContributionFrequency, $limit: Int, $offset: Int) {
  collective(slug: $slug) {
    name
    slug
    orders(filter: INCOMING, frequency: $frequency, status: [ACTIVE, CANCELLED, PAUSED, PAID], limit: $limit, offset: $offset) {
      totalCount
      nodes {
        frequency
        status
        fromAccount {
          id
          name
          ... on Individual {
            email
          }
          ... on Organization {
            email
          }
        }
      }
    }
  }
}`

// Roster は1コレクティブ分の支援者取得結果を表す。
type Roster struct {
	CollectiveName string
	Records        []model.BackerRecord
}

// Client はOpen Collective APIのクライアント。
// レート制限をかけながらGraphQLクエリを実行する。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	limiter    *rate.Limiter
	apiKey     string
	legacyKey  bool
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// Config はClientの生成パラメータ。
type Config struct {
	// APIKey はPersonal Token（またはレガシーAPIキー）。
	APIKey string
	// LegacyKey がtrueの場合、認証ヘッダーにApi-Keyを使用する。
	// falseの場合はPersonal-Tokenを使用する。
	LegacyKey bool
	// RequestsPerSecond はAPIリクエストのレート上限。0以下の場合は1 req/sec。
	RequestsPerSecond float64
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, cfg Config) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		apiKey:     cfg.APIKey,
		legacyKey:  cfg.LegacyKey,
		endpoint:   defaultEndpoint,
	}
}

// FetchBackers はコレクティブの支援オーダーを全頻度バケットから取得する。
// 取得順はMONTHLY、YEARLY、ONETIMEで固定。返却するレコード列は
// このバケット順・各バケット内のAPI返却順を保つ。
// トランスポートエラー、認証エラー、GraphQLエラー、コレクティブ未検出は
// すべて*model.APIErrorとして返す。
func (c *Client) FetchBackers(ctx context.Context, slug string) (*Roster, error) {
	roster := &Roster{}

	for _, freq := range fetchFrequencies {
		name, records, err := c.fetchOrders(ctx, slug, freq)
		if err != nil {
			return nil, err
		}
		roster.CollectiveName = name
		roster.Records = append(roster.Records, records...)
	}

	c.logger.Info("fetched backers from Open Collective",
		slog.String("collective", roster.CollectiveName),
		slog.Int("record_count", len(roster.Records)),
	)

	return roster, nil
}

// fetchOrders は1つの頻度バケットのオーダーをオフセットページングで全件取得する。
func (c *Client) fetchOrders(ctx context.Context, slug string, freq model.Frequency) (string, []model.BackerRecord, error) {
	var (
		name    string
		records []model.BackerRecord
		offset  int
	)

	for {
		page, err := c.queryOrders(ctx, slug, freq, offset)
		if err != nil {
			return "", nil, err
		}

		name = page.name
		records = append(records, page.records...)

		offset += pageSize
		if len(page.records) < pageSize || offset >= page.totalCount {
			break
		}
	}

	return name, records, nil
}

// ordersPage は1ページ分のオーダー取得結果。
type ordersPage struct {
	name       string
	totalCount int
	records    []model.BackerRecord
}

// graphQLRequest はGraphQLリクエストのボディ。
type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// ordersResponse はオーダークエリのレスポンス。
type ordersResponse struct {
	Data struct {
		Collective *struct {
			Name   string `json:"name"`
			Slug   string `json:"slug"`
			Orders struct {
				TotalCount int `json:"totalCount"`
				Nodes      []struct {
					Frequency   string `json:"frequency"`
					Status      string `json:"status"`
					FromAccount *struct {
						ID    string `json:"id"`
						Name  string `json:"name"`
						Email string `json:"email"`
					} `json:"fromAccount"`
				} `json:"nodes"`
			} `json:"orders"`
		} `json:"collective"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// queryOrders は1回のGraphQLクエリを実行し、1ページ分の結果を返す。
func (c *Client) queryOrders(ctx context.Context, slug string, freq model.Frequency, offset int) (*ordersPage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("レート制限の待機に失敗: %w", err)
	}

	reqBody, err := json.Marshal(graphQLRequest{
		Query: ordersQuery,
		Variables: map[string]any{
			"slug":      slug,
			"frequency": string(freq),
			"limit":     pageSize,
			"offset":    offset,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("リクエストボディの構築に失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "backersync/1.0")
	if c.legacyKey {
		req.Header.Set("Api-Key", c.apiKey)
	} else {
		req.Header.Set("Personal-Token", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Open Collective APIの呼び出しに失敗しました",
			slog.String("slug", slug),
			slog.String("frequency", string(freq)),
			slog.String("error", err.Error()),
		)
		return nil, model.NewAPIError(0, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewAPIError(resp.StatusCode, fmt.Sprintf("レスポンスボディの読み取りに失敗: %s", err.Error()))
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("Open Collective APIがエラーステータスを返しました",
			slog.String("slug", slug),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, model.NewAPIError(resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result ordersResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, model.NewAPIError(resp.StatusCode, fmt.Sprintf("レスポンスJSONのパースに失敗: %s", err.Error()))
	}

	if len(result.Errors) > 0 {
		messages := make([]string, len(result.Errors))
		for i, e := range result.Errors {
			messages[i] = e.Message
		}
		return nil, model.NewAPIError(resp.StatusCode, strings.Join(messages, "\n"))
	}

	if result.Data.Collective == nil {
		return nil, model.NewAPIError(http.StatusNotFound, fmt.Sprintf("コレクティブ '%s' が見つかりません", slug))
	}

	page := &ordersPage{
		name:       result.Data.Collective.Name,
		totalCount: result.Data.Collective.Orders.TotalCount,
	}
	for _, node := range result.Data.Collective.Orders.Nodes {
		record := model.BackerRecord{
			Frequency: model.Frequency(node.Frequency),
			Status:    model.OrderStatus(node.Status),
		}
		// オーダーはaccountではなくfromAccountに支援者情報を持つ。
		// 取り込み境界で1つの正規形に畳み込む。
		if node.FromAccount != nil {
			record.AccountID = node.FromAccount.ID
			record.Name = node.FromAccount.Name
			record.Email = node.FromAccount.Email
		}
		page.records = append(page.records, record)
	}

	return page, nil
}
