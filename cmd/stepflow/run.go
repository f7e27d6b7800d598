package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/printer"
	"github.com/BaSui01/stepflow/workflow"
)

// =============================================================================
// ▶️ run 命令
// =============================================================================

// stdin 在没有位置参数时作为输入来源
var stdin io.Reader = os.Stdin

const shutdownTimeout = 10 * time.Second

func runRun(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "Path to config file")
	sessionID := fs.String("session", "", "Session to run in")
	userID := fs.String("user", "", "User id recorded on the session")
	stream := fs.Bool("stream", false, "Print events as they arrive")
	background := fs.Bool("background", false, "Start the run in the background and wait for it")
	format := fs.String("format", "text", "Report format: markdown or text")
	threshold := fs.Int("summary-threshold", 0, "Summarize inputs with more words than this")
	printSteps := fs.Bool("print", true, "Print a step-by-step summary")
	dumpMetrics := fs.Bool("metrics", false, "Dump collected Prometheus metrics after the run")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *stream && *background {
		return errors.New("--stream and --background cannot be combined")
	}

	input, err := readInput(fs.Args())
	if err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	w, err := a.newPipeline(*sessionID, *userID)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer w.Close()

	data := map[string]any{"format": *format}
	if *threshold > 0 {
		data["summary_threshold"] = *threshold
	}
	runOpts := []workflow.RunOption{workflow.WithAdditionalData(data)}

	p := printer.New(out,
		printer.WithMarkdown(strings.EqualFold(*format, "markdown")),
		printer.WithStepDetails(*printSteps),
	)

	switch {
	case *stream:
		err = streamRun(ctx, w, input, runOpts, p)
	case *background:
		err = backgroundRun(ctx, w, input, runOpts, p, out)
	default:
		run, runErr := w.Run(ctx, input, runOpts...)
		if run != nil {
			p.PrintResponse(run)
		}
		err = runErr
	}

	fmt.Fprintf(out, "Session: %s\n", w.SessionID())
	if *dumpMetrics && a.registry != nil {
		if merr := writeMetrics(out, a.registry); merr != nil {
			logger.Warn("failed to dump metrics", zap.Error(merr))
		}
	}
	return err
}

// readInput 拼接位置参数；没有参数时读取标准输入
func readInput(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("no input text: pass it as arguments or on stdin")
	}
	return text, nil
}

// streamRun 打印事件流，并把失败或取消转换为错误
func streamRun(ctx context.Context, w *workflow.Workflow, input string, opts []workflow.RunOption, p *printer.Printer) error {
	events, err := w.RunStream(ctx, input, opts...)
	if err != nil {
		return err
	}

	var outcome error
	tapped := make(chan workflow.Event)
	go func() {
		defer close(tapped)
		for ev := range events {
			switch e := ev.(type) {
			case *workflow.WorkflowErrorEvent:
				outcome = fmt.Errorf("run %s failed: %s", e.RunID, e.Error)
			case *workflow.WorkflowCancelledEvent:
				outcome = fmt.Errorf("run %s cancelled: %s", e.RunID, e.Reason)
			}
			select {
			case tapped <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := p.PrintStream(ctx, tapped); err != nil {
		return err
	}
	return outcome
}

// backgroundRun 提交后台运行，等待结束后从会话中读取结果
func backgroundRun(ctx context.Context, w *workflow.Workflow, input string, opts []workflow.RunOption, p *printer.Printer, out io.Writer) error {
	run, err := w.ARun(ctx, input, append(opts, workflow.WithBackground())...)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Started background run %s (%s)\n", run.RunID, printer.StatusString(run.GetStatus()))

	if _, err := run.Wait(ctx); err != nil {
		if w.CancelRun(run.RunID) {
			fmt.Fprintf(out, "Cancelled run %s\n", run.RunID)
		}
		return err
	}

	final, err := w.GetRun(ctx, run.RunID)
	if err != nil {
		return err
	}
	p.PrintResponse(final)
	if final.Status == workflow.StatusError {
		return fmt.Errorf("run %s failed", final.RunID)
	}
	return nil
}

// writeMetrics 以 Prometheus 文本格式输出注册表内容
func writeMetrics(w io.Writer, reg prometheus.Gatherer) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
