package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe は管理APIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は定期同期ワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandSync は同期を1回だけ実行して終了することを示す。
	CommandSync Command = "sync"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 第2返り値はサブコマンド自身を除いた残りの引数。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) (Command, []string) {
	if len(args) == 0 {
		return CommandServe, nil
	}

	switch args[0] {
	case "worker":
		return CommandWorker, args[1:]
	case "serve":
		return CommandServe, args[1:]
	case "sync":
		return CommandSync, args[1:]
	case "migrate":
		return CommandMigrate, args[1:]
	case "healthcheck":
		return CommandHealthcheck, args[1:]
	default:
		return CommandServe, nil
	}
}
