package migrations

import "embed"

// Files 包含 dispatch_events 审计表的 SQL 迁移，按文件名前缀的版本号顺序应用。
//
//go:embed *.sql
var Files embed.FS
