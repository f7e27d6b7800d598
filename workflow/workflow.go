package workflow

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/internal/pool"
	"github.com/BaSui01/stepflow/types"
)

// CustomFunc 替代步骤列表的自定义执行函数，返回值作为运行内容。
type CustomFunc func(ctx context.Context, w *Workflow, in *ExecutionInput, args map[string]any) (any, error)

// CustomGenerator 自定义生成器，产出的块拼接为运行内容；流式运行时逐块转发。
type CustomGenerator func(ctx context.Context, w *Workflow, in *ExecutionInput, args map[string]any, yield func(chunk any) bool) error

// EventSink 接收流式运行中的所有事件（例如 NATS 发布、日志）。
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// Workflow 工作流驱动器：持有步骤列表（或一个自定义函数）、会话与会话状态，
// 提供阻塞、流式和后台三种执行方式。
type Workflow struct {
	name        string
	workflowID  string
	description string

	steps     []Executable
	rawSteps  []any
	customFn  CustomFunc
	customGen CustomGenerator

	storage     Storage
	sessionID   string
	sessionName string
	userID      string

	initialState map[string]any
	reducer      Reducer[map[string]any]
	state        *sessionState

	storeEvents        bool
	eventsToSkip       map[string]struct{}
	streamIntermediate bool

	logger         *zap.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	recorder       MetricsRecorder
	inst           *instrumentation
	sinks          []EventSink

	bgPool     *pool.GoroutinePool
	ownsBgPool bool

	mu      sync.Mutex
	session *Session
	active  map[string]*RunResponse
	cancels map[string]context.CancelFunc
}

// Option 配置 Workflow
type Option func(*Workflow)

// WithSteps 设置步骤列表。支持 Executable、types.Agent、types.Team、
// StepFunc、GeneratorFunc 与 Executor。
func WithSteps(steps ...any) Option {
	return func(w *Workflow) { w.rawSteps = append(w.rawSteps, steps...) }
}

// WithCustomFunc 使用自定义函数代替步骤列表
func WithCustomFunc(fn CustomFunc) Option {
	return func(w *Workflow) { w.customFn = fn }
}

// WithCustomGenerator 使用自定义生成器代替步骤列表
func WithCustomGenerator(fn CustomGenerator) Option {
	return func(w *Workflow) { w.customGen = fn }
}

func WithStorage(s Storage) Option {
	return func(w *Workflow) { w.storage = s }
}

func WithSessionID(id string) Option {
	return func(w *Workflow) { w.sessionID = id }
}

func WithSessionName(name string) Option {
	return func(w *Workflow) { w.sessionName = name }
}

func WithUserID(id string) Option {
	return func(w *Workflow) { w.userID = id }
}

func WithWorkflowID(id string) Option {
	return func(w *Workflow) { w.workflowID = id }
}

func WithWorkflowDescription(desc string) Option {
	return func(w *Workflow) { w.description = desc }
}

// WithSessionState 设置初始会话状态
func WithSessionState(state map[string]any) Option {
	return func(w *Workflow) { w.initialState = copyState(state) }
}

// WithStateReducer 设置步骤状态增量的合并方式，默认 DeepMergeReducer。
// LastValueReducer 让每个增量整体替换状态，MergeMapReducer 只合并顶层键。
func WithStateReducer(reducer Reducer[map[string]any]) Option {
	return func(w *Workflow) { w.reducer = reducer }
}

// WithStoreEvents 流式运行时把事件保存到 RunResponse.Events
func WithStoreEvents(store bool) Option {
	return func(w *Workflow) { w.storeEvents = store }
}

// WithEventsToSkip 保存事件时跳过的事件类型
func WithEventsToSkip(eventTypes ...string) Option {
	return func(w *Workflow) {
		for _, t := range eventTypes {
			w.eventsToSkip[t] = struct{}{}
		}
	}
}

// WithStreamIntermediateSteps 流式运行时默认发出每个步骤的开始 / 完成事件
func WithStreamIntermediateSteps(enabled bool) Option {
	return func(w *Workflow) { w.streamIntermediate = enabled }
}

func WithLogger(logger *zap.Logger) Option {
	return func(w *Workflow) { w.logger = logger }
}

// WithMetrics 设置 Prometheus 等指标记录器
func WithMetrics(rec MetricsRecorder) Option {
	return func(w *Workflow) { w.recorder = rec }
}

// WithTracerProvider 设置 OTel TracerProvider，默认使用全局 provider
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(w *Workflow) { w.tracerProvider = tp }
}

// WithMeterProvider 设置 OTel MeterProvider，默认使用全局 provider
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(w *Workflow) { w.meterProvider = mp }
}

// WithEventSinks 添加事件接收端
func WithEventSinks(sinks ...EventSink) Option {
	return func(w *Workflow) { w.sinks = append(w.sinks, sinks...) }
}

// WithBackgroundPool 设置后台运行使用的 goroutine 池
func WithBackgroundPool(p *pool.GoroutinePool) Option {
	return func(w *Workflow) { w.bgPool = p }
}

// New 创建工作流。步骤在此处完成规范化，无效的步骤类型立即返回错误。
func New(name string, opts ...Option) (*Workflow, error) {
	w := &Workflow{
		name:         name,
		eventsToSkip: make(map[string]struct{}),
		active:       make(map[string]*RunResponse),
		cancels:      make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	w.logger = w.logger.With(zap.String("component", "workflow"), zap.String("workflow", name))

	if w.customFn != nil && w.customGen != nil {
		return nil, types.NewError(types.ErrInvalidConfig, "workflow accepts either a custom function or a custom generator, not both")
	}
	if (w.customFn != nil || w.customGen != nil) && len(w.rawSteps) > 0 {
		return nil, types.NewError(types.ErrInvalidConfig, "workflow accepts either steps or a custom function, not both")
	}

	steps, err := normalizeSteps(w.rawSteps, w.logger)
	if err != nil {
		return nil, err
	}
	w.steps = steps
	w.rawSteps = nil

	w.state = w.newState()
	if ms, ok := w.storage.(ModeSetter); ok {
		ms.SetMode(SessionModeWorkflowV2)
	}
	w.inst = newInstrumentation(w.tracerProvider, w.meterProvider, w.recorder)
	return w, nil
}

// MustNew 与 New 相同，出错时 panic
func MustNew(name string, opts ...Option) *Workflow {
	w, err := New(name, opts...)
	if err != nil {
		panic(err)
	}
	return w
}

func (w *Workflow) Name() string        { return w.name }
func (w *Workflow) Description() string { return w.description }
func (w *Workflow) Steps() []Executable { return w.steps }

// ID 返回 workflow_id，首次运行前可能为空
func (w *Workflow) ID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.workflowID
}

// SessionID 返回当前会话 ID
func (w *Workflow) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

// SessionState 返回会话状态副本
func (w *Workflow) SessionState() map[string]any {
	w.mu.Lock()
	state := w.state
	w.mu.Unlock()
	return state.Snapshot()
}

// newState returns a fresh state seeded with the initial session state.
func (w *Workflow) newState() *sessionState {
	return newSessionState(w.initialState, w.reducer)
}

// Close 取消本工作流进行中的后台运行，并关闭自己创建的 goroutine 池。
// 共享池（WithBackgroundPool）由调用方关闭。
func (w *Workflow) Close() {
	w.mu.Lock()
	p, owns := w.bgPool, w.ownsBgPool
	for runID, cancel := range w.cancels {
		cancel()
		delete(w.cancels, runID)
	}
	w.mu.Unlock()
	if p != nil && owns {
		p.Close()
	}
}

// ToMap 返回工作流的描述
func (w *Workflow) ToMap() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return map[string]any{
		"name":        w.name,
		"workflow_id": w.workflowID,
		"description": w.description,
		"steps":       stepNames(w.steps),
		"session_id":  w.sessionID,
	}
}

// workflowData describes the steps for the session record.
func (w *Workflow) workflowData() map[string]any {
	steps := make([]map[string]any, 0, len(w.steps))
	for _, s := range w.steps {
		entry := map[string]any{"name": s.Name()}
		if d, ok := s.(Describer); ok && d.Description() != "" {
			entry["description"] = d.Description()
		}
		if t, ok := s.(interface{ ExecutorType() string }); ok {
			entry["executor_type"] = t.ExecutorType()
		}
		steps = append(steps, entry)
	}
	data := map[string]any{
		"name":  w.name,
		"steps": steps,
	}
	if w.description != "" {
		data["description"] = w.description
	}
	return data
}

func newID() string { return uuid.NewString() }
