package printer

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"
	json "github.com/goccy/go-json"

	"github.com/BaSui01/stepflow/workflow"
)

// =============================================================================
// 🖨️ 终端输出
// =============================================================================

// Printer 把运行结果或事件流格式化到终端
type Printer struct {
	w         io.Writer
	markdown  bool
	showSteps bool
	glam      *glamour.TermRenderer
}

// Option 配置 Printer
type Option func(*Printer)

// WithMarkdown 用 glamour 渲染字符串内容
func WithMarkdown(enabled bool) Option {
	return func(p *Printer) { p.markdown = enabled }
}

// WithStepDetails 打印每个步骤的输出
func WithStepDetails(enabled bool) Option {
	return func(p *Printer) { p.showSteps = enabled }
}

// New 创建 Printer。glamour 初始化失败时退回纯文本。
func New(w io.Writer, opts ...Option) *Printer {
	p := &Printer{w: w, showSteps: true}
	for _, opt := range opts {
		opt(p)
	}
	if p.markdown {
		glam, err := glamour.NewTermRenderer(glamour.WithAutoStyle())
		if err == nil {
			p.glam = glam
		}
	}
	return p
}

// PrintResponse 打印一次运行的汇总
func (p *Printer) PrintResponse(run *workflow.RunResponse) {
	if run == nil {
		return
	}
	run = run.Snapshot()

	fmt.Fprintf(p.w, "%s %s\n", color.New(color.FgCyan, color.Bold).Sprint("Workflow:"), run.WorkflowName)
	fmt.Fprintf(p.w, "%s %s  %s %s\n",
		color.CyanString("Run:"), run.RunID,
		color.CyanString("Status:"), StatusString(run.Status))

	if p.showSteps {
		for i, res := range run.StepResponses {
			if res.List {
				for j, out := range res.Outputs {
					p.printStepOutput(workflow.Root(i).Child(j), out)
				}
				continue
			}
			p.printStepOutput(workflow.Root(i), res.Last())
		}
	}

	if run.Content != nil {
		fmt.Fprintf(p.w, "\n%s\n", color.New(color.FgMagenta, color.Bold).Sprint("Response:"))
		fmt.Fprintln(p.w, p.render(run.Content))
	}

	if m := run.WorkflowMetrics; m != nil {
		fmt.Fprintf(p.w, "%s %d steps", color.CyanString("Metrics:"), m.TotalSteps)
		if len(m.Steps) > 0 {
			names := make([]string, 0, len(m.Steps))
			for name := range m.Steps {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Fprintf(p.w, " (%s)", strings.Join(names, ", "))
		}
		fmt.Fprintln(p.w)
	}
}

func (p *Printer) printStepOutput(path workflow.StepPath, out *workflow.StepOutput) {
	if out == nil {
		return
	}
	label := color.New(color.FgCyan).Sprint(workflow.FormatStepPath(path, 0))
	name := color.MagentaString(out.StepName)

	switch {
	case out.Error != "":
		fmt.Fprintf(p.w, "%s %s %s %s\n", label, name, color.RedString("✗"), out.Error)
	case !out.Success:
		fmt.Fprintf(p.w, "%s %s %s\n", label, name, color.YellowString("skipped"))
	default:
		fmt.Fprintf(p.w, "%s %s %s\n", label, name, color.GreenString("✓"))
		if out.Content != nil {
			fmt.Fprintln(p.w, indent(p.render(out.Content)))
		}
	}
}

// PrintStream 消费事件流并实时打印，直到流关闭或 ctx 结束
func (p *Printer) PrintStream(ctx context.Context, events <-chan workflow.Event) error {
	var (
		streaming bool
		iteration int
	)
	endLine := func() {
		if streaming {
			fmt.Fprintln(p.w)
			streaming = false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				endLine()
				return nil
			}

			switch e := ev.(type) {
			case *workflow.WorkflowStartedEvent:
				fmt.Fprintf(p.w, "%s %s\n", color.New(color.FgCyan, color.Bold).Sprint("Workflow:"), e.WorkflowName)
			case *workflow.StepStartedEvent:
				endLine()
				fmt.Fprintf(p.w, "%s %s\n",
					color.CyanString(workflow.FormatStepPath(e.StepIndex, iteration)),
					color.MagentaString(e.StepName))
			case *workflow.StepContentEvent:
				fmt.Fprint(p.w, contentString(e.Content))
				streaming = true
			case *workflow.StepCompletedEvent:
				endLine()
				if p.showSteps && e.Content != nil {
					fmt.Fprintln(p.w, indent(p.render(e.Content)))
				}
			case *workflow.StepErrorEvent:
				endLine()
				suffix := ""
				if e.WillRetry {
					suffix = color.YellowString(" (retrying)")
				}
				fmt.Fprintf(p.w, "%s %s: %s%s\n",
					color.RedString("Error"), e.StepName, e.Error, suffix)
			case *workflow.LoopIterationStartedEvent:
				iteration = e.Iteration
			case *workflow.LoopExecutionCompletedEvent:
				iteration = 0
			case *workflow.WorkflowCompletedEvent:
				endLine()
				if e.Content != nil {
					fmt.Fprintf(p.w, "\n%s\n", color.New(color.FgMagenta, color.Bold).Sprint("Response:"))
					fmt.Fprintln(p.w, p.render(e.Content))
				}
			case *workflow.WorkflowErrorEvent:
				endLine()
				fmt.Fprintf(p.w, "%s %s\n", color.RedString("Workflow failed:"), e.Error)
			case *workflow.WorkflowCancelledEvent:
				endLine()
				fmt.Fprintf(p.w, "%s %s\n", color.YellowString("Workflow cancelled:"), e.Reason)
			}
		}
	}
}

// StatusString 返回带颜色的运行状态
func StatusString(status workflow.RunStatus) string {
	switch status {
	case workflow.StatusCompleted:
		return color.GreenString(string(status))
	case workflow.StatusError:
		return color.RedString(string(status))
	case workflow.StatusCancelled, workflow.StatusPending:
		return color.YellowString(string(status))
	default:
		return color.BlueString(string(status))
	}
}

func (p *Printer) render(content any) string {
	s := contentString(content)
	if p.glam == nil {
		return s
	}
	if _, ok := content.(string); !ok {
		return s
	}
	out, err := p.glam.Render(s)
	if err != nil {
		return s
	}
	return strings.TrimRight(out, "\n")
}

// contentString 字符串原样返回，其它值格式化为缩进 JSON
func contentString(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", content)
	}
	return string(data)
}

func indent(s string) string {
	if s == "" {
		return s
	}
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}
