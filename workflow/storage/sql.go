package storage

import (
	"context"
	"errors"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/stepflow/internal/database"
	"github.com/BaSui01/stepflow/workflow"
)

// SessionTable 是 SQL 存储使用的表名，与 internal/migration 中的迁移一致
const SessionTable = "workflow_sessions"

// sessionRecord 对应 workflow_sessions 表的一行。JSON 列为空时写入 NULL。
type sessionRecord struct {
	SessionID    string  `gorm:"column:session_id;primaryKey;size:255"`
	UserID       string  `gorm:"column:user_id;size:255;index:idx_workflow_sessions_user_id"`
	WorkflowID   string  `gorm:"column:workflow_id;size:255;index:idx_workflow_sessions_workflow_id"`
	WorkflowName string  `gorm:"column:workflow_name;size:255"`
	SessionName  string  `gorm:"column:session_name;size:255"`
	Mode         string  `gorm:"column:mode;size:64;index:idx_workflow_sessions_mode"`
	Runs         *string `gorm:"column:runs"`
	SessionData  *string `gorm:"column:session_data"`
	WorkflowData *string `gorm:"column:workflow_data"`
	CreatedAt    int64   `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt    int64   `gorm:"column:updated_at;autoUpdateTime:false;index:idx_workflow_sessions_updated_at"`
}

// TableName 实现 gorm 的 Tabler
func (sessionRecord) TableName() string {
	return SessionTable
}

// SQLStorage 基于 gorm 的会话存储，支持 PostgreSQL、MySQL 与 SQLite
type SQLStorage struct {
	modeTag
	pool   *database.PoolManager
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLStorage 使用连接池创建存储，Close 会关闭该连接池。
// 表结构由 internal/migration 管理，开发环境也可调用 AutoMigrate。
func NewSQLStorage(pool *database.PoolManager, logger *zap.Logger) *SQLStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStorage{
		pool:   pool,
		db:     pool.DB(),
		logger: logger.With(zap.String("component", "sql_storage")),
	}
}

// AutoMigrate 用 gorm 直接建表，不记录迁移版本
func (s *SQLStorage) AutoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&sessionRecord{}); err != nil {
		return storageError("sql auto migrate", err)
	}
	return nil
}

// Pool 返回底层连接池
func (s *SQLStorage) Pool() *database.PoolManager {
	return s.pool
}

// Read 读取会话
func (s *SQLStorage) Read(ctx context.Context, sessionID string) (*workflow.Session, error) {
	var rec sessionRecord
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(sessionID)
	}
	if err != nil {
		return nil, storageError("sql read", err)
	}
	return rec.toSession()
}

// Upsert 以 session_id 为冲突键写入整行，死锁等瞬时错误由连接池重试
func (s *SQLStorage) Upsert(ctx context.Context, session *workflow.Session) (*workflow.Session, error) {
	out, _, err := s.prepare(session)
	if err != nil {
		return nil, err
	}
	rec, err := recordFromSession(out)
	if err != nil {
		return nil, err
	}

	err = s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			UpdateAll: true,
		}).Create(rec).Error
	})
	if err != nil {
		return nil, storageError("sql upsert", err)
	}

	s.logger.Debug("session written", zap.String("session_id", out.SessionID))
	return out, nil
}

// DeleteSession 删除会话
func (s *SQLStorage) DeleteSession(ctx context.Context, sessionID string) error {
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&sessionRecord{}).Error
	if err != nil {
		return storageError("sql delete", err)
	}
	return nil
}

// ListSessions 在数据库侧过滤、排序与分页
func (s *SQLStorage) ListSessions(ctx context.Context, filter workflow.SessionFilter) ([]*workflow.Session, error) {
	q := s.db.WithContext(ctx).Model(&sessionRecord{})
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.WorkflowID != "" {
		q = q.Where("workflow_id = ?", filter.WorkflowID)
	}
	q = q.Order("updated_at DESC").Order("session_id ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var recs []sessionRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, storageError("sql list", err)
	}

	out := make([]*workflow.Session, 0, len(recs))
	for i := range recs {
		sess, err := recs[i].toSession()
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// Close 关闭连接池
func (s *SQLStorage) Close() error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Close()
}

// =============================================================================
// 行与会话的转换
// =============================================================================

func recordFromSession(s *workflow.Session) (*sessionRecord, error) {
	rec := &sessionRecord{
		SessionID:    s.SessionID,
		UserID:       s.UserID,
		WorkflowID:   s.WorkflowID,
		WorkflowName: s.WorkflowName,
		SessionName:  s.SessionName,
		Mode:         s.Mode,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}

	var err error
	if len(s.Runs) > 0 {
		if rec.Runs, err = jsonColumn(s.Runs); err != nil {
			return nil, err
		}
	}
	if len(s.SessionData) > 0 {
		if rec.SessionData, err = jsonColumn(s.SessionData); err != nil {
			return nil, err
		}
	}
	if len(s.WorkflowData) > 0 {
		if rec.WorkflowData, err = jsonColumn(s.WorkflowData); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (r *sessionRecord) toSession() (*workflow.Session, error) {
	s := &workflow.Session{
		SessionID:    r.SessionID,
		UserID:       r.UserID,
		WorkflowID:   r.WorkflowID,
		WorkflowName: r.WorkflowName,
		SessionName:  r.SessionName,
		Mode:         r.Mode,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if err := scanColumn(r.Runs, &s.Runs); err != nil {
		return nil, err
	}
	if err := scanColumn(r.SessionData, &s.SessionData); err != nil {
		return nil, err
	}
	if err := scanColumn(r.WorkflowData, &s.WorkflowData); err != nil {
		return nil, err
	}
	return s, nil
}

func jsonColumn(v any) (*string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, storageError("encode column", err)
	}
	str := string(data)
	return &str, nil
}

func scanColumn(col *string, dest any) error {
	if col == nil || *col == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(*col), dest); err != nil {
		return storageError("decode column", err)
	}
	return nil
}
