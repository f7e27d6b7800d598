// MockAgent / MockTeam 是执行器契约的测试模拟实现。
//
// 支持固定响应、媒体产出、流式事件、延迟与错误注入场景。
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/stepflow/types"
)

// --- MockAgent 结构 ---

// MockAgent 是 types.Agent 的模拟实现
type MockAgent struct {
	mu sync.RWMutex

	name string

	// 响应配置
	content      any
	images       []types.ImageArtifact
	videos       []types.VideoArtifact
	audio        []types.AudioArtifact
	metrics      map[string]any
	sessionState map[string]any
	err          error
	runFunc      func(ctx context.Context, req *types.RunRequest) (*types.AgentResponse, error)

	// 行为控制
	delay     time.Duration
	failTimes int // 前 N 次调用失败

	// 调用记录
	calls []*types.RunRequest
}

// NewMockAgent 创建新的 MockAgent
func NewMockAgent(name string) *MockAgent {
	return &MockAgent{
		name:    name,
		content: "Mock response",
	}
}

// --- Builder 方法 ---

// WithContent 设置固定响应内容
func (m *MockAgent) WithContent(content any) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content = content
	return m
}

// WithError 设置返回错误
func (m *MockAgent) WithError(err error) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithImages 设置响应中的图片
func (m *MockAgent) WithImages(images ...types.ImageArtifact) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images = images
	return m
}

// WithVideos 设置响应中的视频
func (m *MockAgent) WithVideos(videos ...types.VideoArtifact) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videos = videos
	return m
}

// WithAudio 设置响应中的音频
func (m *MockAgent) WithAudio(audio ...types.AudioArtifact) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audio = audio
	return m
}

// WithMetrics 设置响应指标
func (m *MockAgent) WithMetrics(metrics map[string]any) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
	return m
}

// WithSessionState 设置返回的会话状态增量
func (m *MockAgent) WithSessionState(delta map[string]any) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionState = delta
	return m
}

// WithDelay 设置响应延迟
func (m *MockAgent) WithDelay(d time.Duration) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithFailTimes 前 n 次调用返回 err，之后正常响应
func (m *MockAgent) WithFailTimes(n int, err error) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failTimes = n
	m.err = err
	return m
}

// WithRunFunc 设置自定义 Run 函数
func (m *MockAgent) WithRunFunc(fn func(ctx context.Context, req *types.RunRequest) (*types.AgentResponse, error)) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runFunc = fn
	return m
}

// --- Agent 接口实现 ---

// Name 返回 Agent 名称
func (m *MockAgent) Name() string {
	return m.name
}

// Run 执行并记录调用
func (m *MockAgent) Run(ctx context.Context, req *types.RunRequest) (*types.AgentResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	callNo := len(m.calls)
	delay := m.delay
	runFunc := m.runFunc
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if runFunc != nil {
		return runFunc(ctx, req)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil && (m.failTimes == 0 || callNo <= m.failTimes) {
		return nil, m.err
	}
	return &types.AgentResponse{
		Content:      m.content,
		Images:       m.images,
		Videos:       m.videos,
		Audio:        m.audio,
		Metrics:      m.metrics,
		SessionState: m.sessionState,
	}, nil
}

// --- 调用记录 ---

// Calls 返回所有调用请求
func (m *MockAgent) Calls() []*types.RunRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*types.RunRequest(nil), m.calls...)
}

// CallCount 返回调用次数
func (m *MockAgent) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// LastCall 返回最后一次调用请求
func (m *MockAgent) LastCall() *types.RunRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

// Reset 清空调用记录
func (m *MockAgent) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// --- MockStreamingAgent ---

// MockStreamingAgent 在返回前依次发出预设事件
type MockStreamingAgent struct {
	*MockAgent
	events []types.Event
}

// NewMockStreamingAgent 创建流式 Agent
func NewMockStreamingAgent(name string, events ...types.Event) *MockStreamingAgent {
	return &MockStreamingAgent{MockAgent: NewMockAgent(name), events: events}
}

// WithContent 设置最终响应内容，返回流式类型以便链式调用
func (m *MockStreamingAgent) WithContent(content any) *MockStreamingAgent {
	m.MockAgent.WithContent(content)
	return m
}

// WithError 设置发出事件后返回的错误
func (m *MockStreamingAgent) WithError(err error) *MockStreamingAgent {
	m.MockAgent.WithError(err)
	return m
}

// RunStream 发出预设事件后返回 Run 的结果
func (m *MockStreamingAgent) RunStream(ctx context.Context, req *types.RunRequest, emit func(types.Event)) (*types.AgentResponse, error) {
	for _, ev := range m.events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emit(ev)
	}
	return m.Run(ctx, req)
}

// MockEvent 是 Agent 自定义事件
type MockEvent struct {
	Type    string `json:"event"`
	Payload string `json:"payload,omitempty"`
}

func (e *MockEvent) EventType() string { return e.Type }

// --- MockTeam ---

// MockTeam 是 types.Team 的模拟实现，行为与 MockAgent 相同
type MockTeam struct {
	*MockAgent
	members []types.Agent
}

// NewMockTeam 创建团队
func NewMockTeam(name string, members ...types.Agent) *MockTeam {
	return &MockTeam{MockAgent: NewMockAgent(name), members: members}
}

// WithContent 设置团队响应内容
func (m *MockTeam) WithContent(content any) *MockTeam {
	m.MockAgent.WithContent(content)
	return m
}

// WithError 设置团队返回的错误
func (m *MockTeam) WithError(err error) *MockTeam {
	m.MockAgent.WithError(err)
	return m
}

// Members 返回团队成员
func (m *MockTeam) Members() []types.Agent {
	return m.members
}

var (
	_ types.Agent          = (*MockAgent)(nil)
	_ types.StreamingAgent = (*MockStreamingAgent)(nil)
	_ types.Team           = (*MockTeam)(nil)
)
