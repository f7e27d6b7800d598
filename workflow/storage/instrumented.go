package storage

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/stepflow/workflow"
)

// OpRecorder 接收存储操作的结果与耗时，metrics.Collector 满足该接口
type OpRecorder interface {
	RecordStorageOp(backend, operation string, err error, duration time.Duration)
}

// InstrumentedStorage 为每个操作上报指标。会话不存在不计为错误。
type InstrumentedStorage struct {
	Backend
	name     string
	recorder OpRecorder
}

// NewInstrumentedStorage 包装 backend，name 用作 backend 标签
func NewInstrumentedStorage(backend Backend, name string, recorder OpRecorder) *InstrumentedStorage {
	return &InstrumentedStorage{Backend: backend, name: name, recorder: recorder}
}

func (s *InstrumentedStorage) record(op string, start time.Time, err error) {
	if errors.Is(err, workflow.ErrSessionNotFound) {
		err = nil
	}
	s.recorder.RecordStorageOp(s.name, op, err, time.Since(start))
}

func (s *InstrumentedStorage) Read(ctx context.Context, sessionID string) (*workflow.Session, error) {
	start := time.Now()
	sess, err := s.Backend.Read(ctx, sessionID)
	s.record("read", start, err)
	return sess, err
}

func (s *InstrumentedStorage) Upsert(ctx context.Context, session *workflow.Session) (*workflow.Session, error) {
	start := time.Now()
	out, err := s.Backend.Upsert(ctx, session)
	s.record("upsert", start, err)
	return out, err
}

func (s *InstrumentedStorage) DeleteSession(ctx context.Context, sessionID string) error {
	start := time.Now()
	err := s.Backend.DeleteSession(ctx, sessionID)
	s.record("delete", start, err)
	return err
}

func (s *InstrumentedStorage) ListSessions(ctx context.Context, filter workflow.SessionFilter) ([]*workflow.Session, error) {
	start := time.Now()
	out, err := s.Backend.ListSessions(ctx, filter)
	s.record("list", start, err)
	return out, err
}

// Unwrap 返回被包装的存储
func (s *InstrumentedStorage) Unwrap() Backend {
	return s.Backend
}
