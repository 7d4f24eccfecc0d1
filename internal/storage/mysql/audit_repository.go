package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"OpenMCP-Dispatch/internal/events"
	xerrors "OpenMCP-Dispatch/internal/errors"
)

// AuditRecord 是持久化的一条调度事件。
type AuditRecord struct {
	ID            int64  `json:"id"`
	EventID       string `json:"event_id"`
	Type          string `json:"type"`
	Source        string `json:"source"`
	State         string `json:"state,omitempty"`
	PreviousState string `json:"previous_state,omitempty"`
	TaskID        string `json:"task_id,omitempty"`
	TaskKind      string `json:"task_kind,omitempty"`
	Status        string `json:"status,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	Message       string `json:"message,omitempty"`
	Failures      int    `json:"failures"`
	DurationMS    int64  `json:"duration_ms"`
	OccurredAt    int64  `json:"occurred_at"`
}

// RecordFromEvent 将事件转换为审计记录。
func RecordFromEvent(e events.Event) AuditRecord {
	occurred := e.Time
	if occurred.IsZero() {
		occurred = time.Now()
	}
	return AuditRecord{
		EventID:       e.ID,
		Type:          string(e.Type),
		Source:        e.Source,
		State:         e.State,
		PreviousState: e.PreviousState,
		TaskID:        e.TaskID,
		TaskKind:      e.TaskKind,
		Status:        e.Status,
		ErrorCode:     e.ErrorCode,
		Message:       e.Error,
		Failures:      e.Counters.Failures,
		DurationMS:    e.Duration.Milliseconds(),
		OccurredAt:    occurred.UnixMilli(),
	}
}

// AuditRepository 定义审计记录的持久化接口。
type AuditRepository interface {
	Save(ctx context.Context, record *AuditRecord) error
	ListLatest(ctx context.Context, limit int) ([]AuditRecord, error)
	ListBySource(ctx context.Context, source string, limit int) ([]AuditRecord, error)
	ListByTask(ctx context.Context, taskID string) ([]AuditRecord, error)
}

const defaultMemoryCapacity = 1000

// MemoryAuditRepository 在内存中保留最近的审计记录，超出容量时淘汰最旧的记录。
type MemoryAuditRepository struct {
	mu       sync.RWMutex
	records  []AuditRecord
	capacity int
	nextID   int64
}

// NewMemoryAuditRepository 创建内存审计仓库，capacity<=0 时使用默认容量。
func NewMemoryAuditRepository(capacity int) *MemoryAuditRepository {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryAuditRepository{capacity: capacity}
}

// Save 保存记录并回填自增 ID。
func (r *MemoryAuditRepository) Save(ctx context.Context, record *AuditRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "审计记录不能为空")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	record.ID = r.nextID
	r.records = append(r.records, *record)
	if over := len(r.records) - r.capacity; over > 0 {
		r.records = append([]AuditRecord(nil), r.records[over:]...)
	}
	return nil
}

// ListLatest 按写入倒序返回最多 limit 条记录。
func (r *MemoryAuditRepository) ListLatest(_ context.Context, limit int) ([]AuditRecord, error) {
	return r.collect(limit, func(AuditRecord) bool { return true }), nil
}

// ListBySource 返回指定来源的记录，按写入倒序。
func (r *MemoryAuditRepository) ListBySource(_ context.Context, source string, limit int) ([]AuditRecord, error) {
	return r.collect(limit, func(rec AuditRecord) bool { return rec.Source == source }), nil
}

// ListByTask 按写入顺序返回某个任务的全部记录。
func (r *MemoryAuditRepository) ListByTask(_ context.Context, taskID string) ([]AuditRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []AuditRecord
	for _, rec := range r.records {
		if rec.TaskID == taskID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *MemoryAuditRepository) collect(limit int, match func(AuditRecord) bool) []AuditRecord {
	limit = normalizeLimit(limit)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AuditRecord, 0, min(limit, len(r.records)))
	for i := len(r.records) - 1; i >= 0 && len(out) < limit; i-- {
		if match(r.records[i]) {
			out = append(out, r.records[i])
		}
	}
	return out
}

// SQLAuditRepository 将审计记录写入 MySQL。
type SQLAuditRepository struct {
	db *sql.DB
}

// NewSQLAuditRepository 连接数据库并执行内置迁移。
func NewSQLAuditRepository(ctx context.Context, cfg Config) (*SQLAuditRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化审计数据库失败")
	}
	repo, err := NewSQLAuditRepositoryWithDB(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// NewSQLAuditRepositoryWithDB 使用已有连接创建仓库并执行迁移。
func NewSQLAuditRepositoryWithDB(ctx context.Context, db *sql.DB) (*SQLAuditRepository, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	repo := &SQLAuditRepository{db: db}
	if _, err := newSchemaMigrator(db).Up(ctx); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return repo, nil
}

const insertAuditSQL = `INSERT INTO dispatch_events (event_id, type, source, state, previous_state, task_id, task_kind, status, error_code, message, failures, duration_ms, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectAuditColumns = `SELECT id, event_id, type, source, state, previous_state, task_id, task_kind, status, error_code, message, failures, duration_ms, occurred_at FROM dispatch_events`

// Save 写入一条记录并回填自增 ID。
func (r *SQLAuditRepository) Save(ctx context.Context, record *AuditRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "审计记录不能为空")
	}
	res, err := r.db.ExecContext(ctx, insertAuditSQL,
		record.EventID, record.Type, record.Source, record.State, record.PreviousState,
		record.TaskID, record.TaskKind, record.Status, record.ErrorCode, record.Message,
		record.Failures, record.DurationMS, record.OccurredAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计记录失败")
	}
	if id, err := res.LastInsertId(); err == nil {
		record.ID = id
	}
	return nil
}

// ListLatest 按 ID 倒序返回最多 limit 条记录。
func (r *SQLAuditRepository) ListLatest(ctx context.Context, limit int) ([]AuditRecord, error) {
	return r.query(ctx, selectAuditColumns+` ORDER BY id DESC LIMIT ?`, normalizeLimit(limit))
}

// ListBySource 返回指定来源的记录，按 ID 倒序。
func (r *SQLAuditRepository) ListBySource(ctx context.Context, source string, limit int) ([]AuditRecord, error) {
	return r.query(ctx, selectAuditColumns+` WHERE source = ? ORDER BY id DESC LIMIT ?`, source, normalizeLimit(limit))
}

// ListByTask 按 ID 顺序返回某个任务的全部记录。
func (r *SQLAuditRepository) ListByTask(ctx context.Context, taskID string) ([]AuditRecord, error) {
	return r.query(ctx, selectAuditColumns+` WHERE task_id = ? ORDER BY id ASC`, taskID)
}

func (r *SQLAuditRepository) query(ctx context.Context, query string, args ...any) ([]AuditRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审计记录失败")
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(
			&rec.ID, &rec.EventID, &rec.Type, &rec.Source, &rec.State, &rec.PreviousState,
			&rec.TaskID, &rec.TaskKind, &rec.Status, &rec.ErrorCode, &rec.Message,
			&rec.Failures, &rec.DurationMS, &rec.OccurredAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审计记录失败")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历审计记录失败")
	}
	return out, nil
}

// Close 关闭数据库连接。
func (r *SQLAuditRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	if err := r.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("关闭数据库失败: %w", err)
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}
