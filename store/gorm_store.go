package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/dagflow/internal/database"
	"github.com/BaSui01/dagflow/workflow"
)

// saveRetries 是定义写入遇到死锁或序列化失败时的重试次数
const saveRetries = 3

// GormStore 是基于 GORM 的 workflow.Store 实现
type GormStore struct {
	pool   *database.PoolManager
	logger *zap.Logger
	closed atomic.Bool
}

// NewGormStore 使用已建立的连接池创建存储
func NewGormStore(pool *database.PoolManager, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		pool:   pool,
		logger: logger.With(zap.String("component", "gorm_store")),
	}
}

// AutoMigrate 创建或更新工作流相关表
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	if err := s.db(ctx).AutoMigrate(&definitionRecord{}, &executionRecord{}, &stepExecutionRecord{}); err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	s.logger.Info("workflow tables migrated")
	return nil
}

func (s *GormStore) db(ctx context.Context) *gorm.DB {
	return s.pool.DB().WithContext(ctx)
}

func (s *GormStore) checkOpen() error {
	if s.closed.Load() {
		return workflow.ErrStoreClosed
	}
	return nil
}

// SaveDefinition 以 upsert 方式保存定义
func (s *GormStore) SaveDefinition(ctx context.Context, def *workflow.Definition) error {
	if def == nil || def.ID == "" {
		return errors.New("definition id is required")
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	rec, err := toDefinitionRecord(def)
	if err != nil {
		return err
	}
	err = s.pool.WithTransactionRetry(ctx, saveRetries, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save definition %s: %w", def.ID, err)
	}
	return nil
}

// GetDefinition 按 ID 读取定义
func (s *GormStore) GetDefinition(ctx context.Context, id string) (*workflow.Definition, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var rec definitionRecord
	err := s.db(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("definition %s: %w", id, workflow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get definition %s: %w", id, err)
	}
	return rec.toDefinition()
}

// ListDefinitions 按创建时间升序返回全部定义
func (s *GormStore) ListDefinitions(ctx context.Context) ([]*workflow.Definition, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var recs []definitionRecord
	if err := s.db(ctx).Order("created_at ASC, id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	out := make([]*workflow.Definition, 0, len(recs))
	for i := range recs {
		def, err := recs[i].toDefinition()
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

// SaveExecution 以 upsert 方式保存执行记录
func (s *GormStore) SaveExecution(ctx context.Context, exec *workflow.Execution) error {
	if exec == nil || exec.ID == "" {
		return errors.New("execution id is required")
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	rec, err := toExecutionRecord(exec)
	if err != nil {
		return err
	}
	if err := s.db(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to save execution %s: %w", exec.ID, err)
	}
	return nil
}

// GetExecution 按 ID 读取执行记录
func (s *GormStore) GetExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var rec executionRecord
	err := s.db(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("execution %s: %w", id, workflow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
	}
	return rec.toExecution()
}

// ListExecutions 返回匹配的执行记录，最新的在前
func (s *GormStore) ListExecutions(ctx context.Context, filter workflow.ExecutionFilter) ([]*workflow.Execution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	q := s.db(ctx).Model(&executionRecord{})
	if filter.DefinitionID != "" {
		q = q.Where("definition_id = ?", filter.DefinitionID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	q = q.Order("created_at DESC, id ASC")

	// 只有 offset 时在内存中分页，避免各方言对无 LIMIT 的 OFFSET 处理不一致
	offsetInMemory := filter.Limit <= 0 && filter.Offset > 0
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
		if filter.Offset > 0 {
			q = q.Offset(filter.Offset)
		}
	}

	var recs []executionRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	out := make([]*workflow.Execution, 0, len(recs))
	for i := range recs {
		e, err := recs[i].toExecution()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if offsetInMemory {
		out = workflow.Paginate(out, filter.Offset, 0)
	}
	return out, nil
}

// SaveStepExecution 按 (execution_id, step_id) upsert 步骤记录
func (s *GormStore) SaveStepExecution(ctx context.Context, step *workflow.StepExecution) error {
	if step == nil || step.ExecutionID == "" || step.StepID == "" {
		return errors.New("step execution requires execution id and step id")
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	rec, err := toStepExecutionRecord(step)
	if err != nil {
		return err
	}
	if err := s.db(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to save step %s of execution %s: %w", step.StepID, step.ExecutionID, err)
	}
	return nil
}

// ListStepExecutions 返回执行的全部步骤记录，按开始时间排序
func (s *GormStore) ListStepExecutions(ctx context.Context, executionID string) ([]*workflow.StepExecution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var recs []stepExecutionRecord
	if err := s.db(ctx).Where("execution_id = ?", executionID).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list steps of execution %s: %w", executionID, err)
	}
	out := make([]*workflow.StepExecution, 0, len(recs))
	for i := range recs {
		st, err := recs[i].toStepExecution()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	workflow.SortStepExecutions(out)
	return out, nil
}

// Ping 检查数据库连接
func (s *GormStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.pool.Ping(ctx)
}

// Close 关闭存储及其连接池
func (s *GormStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.pool.Close()
}

var _ workflow.Store = (*GormStore)(nil)
