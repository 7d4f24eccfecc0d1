package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"OpenMCP-Dispatch/deploy/migrations"
	"OpenMCP-Dispatch/pkg/logger"
)

const (
	versionTableDDL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`
	selectVersionsSQL = `SELECT version FROM schema_migrations`
	insertVersionSQL  = `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`
)

// schemaStep 是一个迁移文件拆分后的可执行单元。
type schemaStep struct {
	version    string
	file       string
	statements []string
}

// schemaMigrator 把内嵌的审计表迁移按版本顺序应用到数据库，每个版本一个事务。
type schemaMigrator struct {
	db    *sql.DB
	files fs.FS
	now   func() time.Time
}

func newSchemaMigrator(db *sql.DB) *schemaMigrator {
	return &schemaMigrator{db: db, files: migrations.Files, now: time.Now}
}

// Up 应用尚未记录的版本，返回本次新应用的版本列表。
func (m *schemaMigrator) Up(ctx context.Context) ([]string, error) {
	if _, err := m.db.ExecContext(ctx, versionTableDDL); err != nil {
		return nil, fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	done, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	steps, err := readSchemaSteps(m.files)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, step := range steps {
		if done[step.version] {
			continue
		}
		if err := m.apply(ctx, step); err != nil {
			return applied, err
		}
		applied = append(applied, step.version)
	}
	if len(applied) > 0 {
		logger.L().Info("审计表迁移完成", "versions", applied)
	}
	return applied, nil
}

func (m *schemaMigrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, selectVersionsSQL)
	if err != nil {
		return nil, fmt.Errorf("查询已应用版本失败: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("读取版本号失败: %w", err)
		}
		done[v] = true
	}
	return done, rows.Err()
}

func (m *schemaMigrator) apply(ctx context.Context, step schemaStep) (err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("迁移 %s 开启事务失败: %w", step.version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range step.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("迁移 %s 第 %d 条语句失败: %w", step.file, i+1, err)
		}
	}
	if _, err = tx.ExecContext(ctx, insertVersionSQL, step.version, m.now().Unix()); err != nil {
		return fmt.Errorf("登记迁移版本 %s 失败: %w", step.version, err)
	}
	return tx.Commit()
}

// readSchemaSteps 读取全部 .sql 文件，按版本号排序，忽略空文件。
func readSchemaSteps(files fs.FS) ([]schemaStep, error) {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("列出迁移文件失败: %w", err)
	}

	steps := make([]schemaStep, 0, len(names))
	for _, name := range names {
		raw, err := fs.ReadFile(files, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		stmts := sqlStatements(string(raw))
		if len(stmts) == 0 {
			continue
		}
		steps = append(steps, schemaStep{version: versionOf(name), file: name, statements: stmts})
	}

	slices.SortFunc(steps, func(a, b schemaStep) int {
		if c := strings.Compare(a.version, b.version); c != 0 {
			return c
		}
		return strings.Compare(a.file, b.file)
	})
	return steps, nil
}

// sqlStatements 按分号切分脚本；迁移文件中不允许在字符串字面量里出现分号。
func sqlStatements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// versionOf 取文件名中第一个下划线之前的部分，例如 0001_init.sql 得到 0001。
func versionOf(name string) string {
	base := strings.TrimSuffix(path.Base(name), path.Ext(name))
	if head, _, ok := strings.Cut(base, "_"); ok && head != "" {
		return head
	}
	return base
}
