package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/dagflow/workflow"
)

// RedisStore 是基于 Redis 的 workflow.Store 实现。
// 文档以 JSON 存储，执行与定义通过有序集合按创建时间索引，
// 步骤记录存放在以执行 ID 为键的哈希中。
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *zap.Logger
	closed    atomic.Bool
}

// NewRedisStore 创建 Redis 存储，keyPrefix 为空时使用 "dagflow:"
func NewRedisStore(client redis.UniversalClient, keyPrefix string, logger *zap.Logger) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "dagflow:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With(zap.String("component", "redis_store")),
	}
}

func (s *RedisStore) definitionKey(id string) string   { return s.keyPrefix + "def:" + id }
func (s *RedisStore) definitionsKey() string           { return s.keyPrefix + "defs" }
func (s *RedisStore) executionKey(id string) string    { return s.keyPrefix + "exec:" + id }
func (s *RedisStore) executionsKey() string            { return s.keyPrefix + "execs" }
func (s *RedisStore) byDefinitionKey(id string) string { return s.keyPrefix + "execs:def:" + id }
func (s *RedisStore) stepsKey(executionID string) string {
	return s.keyPrefix + "steps:" + executionID
}

func (s *RedisStore) checkOpen() error {
	if s.closed.Load() {
		return workflow.ErrStoreClosed
	}
	return nil
}

// SaveDefinition 保存定义并更新创建时间索引
func (s *RedisStore) SaveDefinition(ctx context.Context, def *workflow.Definition) error {
	if def == nil || def.ID == "" {
		return errors.New("definition id is required")
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.definitionKey(def.ID), data, 0)
	pipe.ZAdd(ctx, s.definitionsKey(), redis.Z{Score: float64(def.CreatedAt.UnixNano()), Member: def.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save definition %s: %w", def.ID, err)
	}
	return nil
}

// GetDefinition 按 ID 读取定义
func (s *RedisStore) GetDefinition(ctx context.Context, id string) (*workflow.Definition, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.definitionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("definition %s: %w", id, workflow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get definition %s: %w", id, err)
	}
	var def workflow.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition %s: %w", id, err)
	}
	return &def, nil
}

// ListDefinitions 按创建时间升序返回全部定义
func (s *RedisStore) ListDefinitions(ctx context.Context) ([]*workflow.Definition, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := s.client.ZRange(ctx, s.definitionsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	blobs, err := s.mget(ctx, ids, s.definitionKey)
	if err != nil {
		return nil, err
	}

	out := make([]*workflow.Definition, 0, len(blobs))
	for _, blob := range blobs {
		var def workflow.Definition
		if err := json.Unmarshal(blob, &def); err != nil {
			return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
		}
		out = append(out, &def)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SaveExecution 保存执行记录并维护全局与按定义的索引
func (s *RedisStore) SaveExecution(ctx context.Context, exec *workflow.Execution) error {
	if exec == nil || exec.ID == "" {
		return errors.New("execution id is required")
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	cp := exec.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	member := redis.Z{Score: float64(cp.CreatedAt.UnixNano()), Member: cp.ID}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.executionKey(cp.ID), data, 0)
	pipe.ZAdd(ctx, s.executionsKey(), member)
	if cp.DefinitionID != "" {
		pipe.ZAdd(ctx, s.byDefinitionKey(cp.DefinitionID), member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save execution %s: %w", cp.ID, err)
	}
	return nil
}

// GetExecution 按 ID 读取执行记录
func (s *RedisStore) GetExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.executionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("execution %s: %w", id, workflow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
	}
	var exec workflow.Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions 返回匹配的执行记录，最新的在前
func (s *RedisStore) ListExecutions(ctx context.Context, filter workflow.ExecutionFilter) ([]*workflow.Execution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	index := s.executionsKey()
	if filter.DefinitionID != "" {
		index = s.byDefinitionKey(filter.DefinitionID)
	}
	ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	blobs, err := s.mget(ctx, ids, s.executionKey)
	if err != nil {
		return nil, err
	}

	out := make([]*workflow.Execution, 0, len(blobs))
	for _, blob := range blobs {
		var exec workflow.Execution
		if err := json.Unmarshal(blob, &exec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
		}
		if filter.Matches(&exec) {
			out = append(out, &exec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return workflow.Paginate(out, filter.Offset, filter.Limit), nil
}

// SaveStepExecution 按步骤 ID 覆盖写入执行哈希中的字段
func (s *RedisStore) SaveStepExecution(ctx context.Context, step *workflow.StepExecution) error {
	if step == nil || step.ExecutionID == "" || step.StepID == "" {
		return errors.New("step execution requires execution id and step id")
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to marshal step execution: %w", err)
	}
	if err := s.client.HSet(ctx, s.stepsKey(step.ExecutionID), step.StepID, data).Err(); err != nil {
		return fmt.Errorf("failed to save step %s of execution %s: %w", step.StepID, step.ExecutionID, err)
	}
	return nil
}

// ListStepExecutions 返回执行的全部步骤记录，按开始时间排序
func (s *RedisStore) ListStepExecutions(ctx context.Context, executionID string) ([]*workflow.StepExecution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	fields, err := s.client.HGetAll(ctx, s.stepsKey(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list steps of execution %s: %w", executionID, err)
	}
	out := make([]*workflow.StepExecution, 0, len(fields))
	for stepID, blob := range fields {
		var st workflow.StepExecution
		if err := json.Unmarshal([]byte(blob), &st); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step %s: %w", stepID, err)
		}
		out = append(out, &st)
	}
	workflow.SortStepExecutions(out)
	return out, nil
}

// mget 批量读取文档，索引中残留但已不存在的键被跳过
func (s *RedisStore) mget(ctx context.Context, ids []string, key func(string) string) ([][]byte, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = key(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read documents: %w", err)
	}
	out := make([][]byte, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			s.logger.Warn("index entry without document", zap.String("key", keys[i]))
			continue
		}
		out = append(out, []byte(str))
	}
	return out, nil
}

// Ping 检查 Redis 连接
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

// Close 关闭存储及其客户端
func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}

var _ workflow.Store = (*RedisStore)(nil)
