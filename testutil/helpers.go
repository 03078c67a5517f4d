package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BaSui01/dagflow/workflow"
)

// pollInterval 轮询执行状态的间隔
const pollInterval = 5 * time.Millisecond

// TestContext 返回 30 秒超时的上下文，测试结束时取消
func TestContext(t testing.TB) context.Context {
	return TestContextWithTimeout(t, 30*time.Second)
}

// TestContextWithTimeout 返回自定义超时的上下文，测试结束时取消
func TestContextWithTimeout(t testing.TB, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// WaitForTerminal 轮询直到执行进入终态，返回最终状态视图
func WaitForTerminal(t testing.TB, engine *workflow.Engine, executionID string, timeout time.Duration) *workflow.ExecutionStatusView {
	t.Helper()
	var view *workflow.ExecutionStatusView
	require.Eventuallyf(t, func() bool {
		v, err := engine.GetStatus(context.Background(), executionID)
		if err != nil {
			return false
		}
		view = v
		return v.Status.IsTerminal()
	}, timeout, pollInterval, "execution %s did not finish", executionID)
	return view
}

// WaitForStatus 轮询直到执行进入 status
func WaitForStatus(t testing.TB, engine *workflow.Engine, executionID string, status workflow.ExecutionStatus, timeout time.Duration) {
	t.Helper()
	require.Eventuallyf(t, func() bool {
		v, err := engine.GetStatus(context.Background(), executionID)
		return err == nil && v.Status == status
	}, timeout, pollInterval, "execution %s did not reach %s", executionID, status)
}

// MustJSON 序列化 v，失败时 panic
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
