package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はワーカーモード（ワーカープール・同期スケジューラ・定期ジョブ）で起動することを示す。
	CommandWorker Command = "worker"
	// CommandAll はAPIサーバーとワーカーを1プロセスで起動することを示す。
	// memoryバックエンドを使う場合はこのモードで起動する。
	CommandAll Command = "all"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "serve":
		return CommandServe
	case "all":
		return CommandAll
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// runsAPI はコマンドがAPIサーバーを含むかを返す。
func (c Command) runsAPI() bool {
	return c == CommandServe || c == CommandAll
}

// runsWorkers はコマンドがワーカーを含むかを返す。
func (c Command) runsWorkers() bool {
	return c == CommandWorker || c == CommandAll
}
