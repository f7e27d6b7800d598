package workflow

import (
	"context"

	"github.com/BaSui01/stepflow/types"
)

// StepFunc 普通函数执行器，接收完整的 StepInput。
// 返回 *StepOutput、*types.AgentResponse 或任意值（转为字符串内容）。
type StepFunc func(ctx context.Context, in *StepInput) (any, error)

// GeneratorFunc 生成器执行器，通过 yield 逐块产出结果。
// yield 返回 false 时生成器应尽快返回。
type GeneratorFunc func(ctx context.Context, in *StepInput, yield func(chunk any) bool) error

// Executor 是步骤执行器的封闭联合类型：
// AgentExecutor / TeamExecutor / FuncExecutor / GeneratorExecutor。
type Executor interface {
	ExecutorType() string
	ExecutorName() string
	isExecutor()
}

// AgentExecutor runs a single agent.
type AgentExecutor struct {
	Agent types.Agent
}

func (e AgentExecutor) ExecutorType() string { return ExecutorTypeAgent }

func (e AgentExecutor) ExecutorName() string {
	if e.Agent == nil || e.Agent.Name() == "" {
		return "unnamed_executor"
	}
	return e.Agent.Name()
}

func (AgentExecutor) isExecutor() {}

// TeamExecutor runs a team of agents.
type TeamExecutor struct {
	Team types.Team
}

func (e TeamExecutor) ExecutorType() string { return ExecutorTypeTeam }

func (e TeamExecutor) ExecutorName() string {
	if e.Team == nil || e.Team.Name() == "" {
		return "unnamed_executor"
	}
	return e.Team.Name()
}

func (TeamExecutor) isExecutor() {}

// FuncExecutor runs a StepFunc.
type FuncExecutor struct {
	Name string
	Fn   StepFunc
}

func (e FuncExecutor) ExecutorType() string { return ExecutorTypeFunction }

func (e FuncExecutor) ExecutorName() string {
	if e.Name == "" {
		return "anonymous_function"
	}
	return e.Name
}

func (FuncExecutor) isExecutor() {}

// GeneratorExecutor runs a GeneratorFunc. Its chunks are drained into one output.
type GeneratorExecutor struct {
	Name string
	Fn   GeneratorFunc
}

func (e GeneratorExecutor) ExecutorType() string { return ExecutorTypeFunction }

func (e GeneratorExecutor) ExecutorName() string {
	if e.Name == "" {
		return "anonymous_function"
	}
	return e.Name
}

func (GeneratorExecutor) isExecutor() {}

// =============================================================================
// Constructors
// =============================================================================

// FromAgent wraps an agent.
func FromAgent(a types.Agent) Executor { return AgentExecutor{Agent: a} }

// FromTeam wraps a team.
func FromTeam(t types.Team) Executor { return TeamExecutor{Team: t} }

// Func wraps a named function.
func Func(name string, fn StepFunc) Executor { return FuncExecutor{Name: name, Fn: fn} }

// Generator wraps a named generator.
func Generator(name string, fn GeneratorFunc) Executor {
	return GeneratorExecutor{Name: name, Fn: fn}
}

// validExecutor reports whether the executor carries a callable.
func validExecutor(e Executor) bool {
	switch x := e.(type) {
	case AgentExecutor:
		return x.Agent != nil
	case TeamExecutor:
		return x.Team != nil
	case FuncExecutor:
		return x.Fn != nil
	case GeneratorExecutor:
		return x.Fn != nil
	case *limitedExecutor:
		return x != nil && x.inner != nil && validExecutor(x.inner)
	default:
		return false
	}
}
