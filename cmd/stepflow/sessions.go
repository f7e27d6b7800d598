package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/printer"
	"github.com/BaSui01/stepflow/workflow"
)

// =============================================================================
// 🗂️ sessions / runs 命令
// =============================================================================

func runSessions(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		printSessionsUsage(out)
		return errors.New("missing sessions subcommand")
	}

	switch args[0] {
	case "list":
		return runSessionsList(ctx, args[1:], out)
	case "show":
		return runSessionsShow(ctx, args[1:], out)
	case "rename":
		return runSessionsRename(ctx, args[1:], out)
	case "delete":
		return runSessionsDelete(ctx, args[1:], out)
	case "help", "-h", "--help":
		printSessionsUsage(out)
		return nil
	default:
		printSessionsUsage(out)
		return fmt.Errorf("unknown sessions subcommand: %s", args[0])
	}
}

func printSessionsUsage(w io.Writer) {
	fmt.Fprintln(w, `Session Commands

Usage:
  stepflow sessions <subcommand> [options] [arguments]

Subcommands:
  list                 List sessions, newest first
  show <session>       Show a session and its runs
  rename <session> <n> Rename a session
  delete <session>     Delete a session

Options (before the arguments):
  --config <path>      Path to configuration file (YAML)
  --user <id>          list: only sessions of this user
  --workflow <id>      list: only sessions of this workflow
  --limit <n>          list: at most n sessions

Examples:
  stepflow sessions list --user alice --limit 10
  stepflow sessions show --config stepflow.yaml 4f1c...
  stepflow runs get 4f1c... 9a2b...`)
}

// withApp 加载配置、创建组件并在 fn 返回后关闭
func withApp(ctx context.Context, configPath string, fn func(a *app) error) error {
	cfg, err := loadConfig(configPath)
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
	return fn(a)
}

// withSession 打开指定会话所在的工作流，会话不存在时返回错误
func withSession(ctx context.Context, configPath, sessionID string, fn func(w *workflow.Workflow, sess *workflow.Session) error) error {
	return withApp(ctx, configPath, func(a *app) error {
		w, err := a.newPipeline(sessionID, "")
		if err != nil {
			return err
		}
		defer w.Close()

		sess, err := w.ReadFromStorage(ctx)
		if err != nil {
			if errors.Is(err, workflow.ErrSessionNotFound) {
				return fmt.Errorf("session %s not found", sessionID)
			}
			return err
		}
		return fn(w, sess)
	})
}

func runSessionsList(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sessions list", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "Path to config file")
	userID := fs.String("user", "", "Only sessions of this user")
	workflowID := fs.String("workflow", "", "Only sessions of this workflow")
	limit := fs.Int("limit", 0, "At most this many sessions")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withApp(ctx, *configPath, func(a *app) error {
		sessions, err := a.storage.ListSessions(ctx, workflow.SessionFilter{
			UserID:     *userID,
			WorkflowID: *workflowID,
			Limit:      *limit,
		})
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Fprintln(out, "No sessions found")
			return nil
		}

		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "SESSION\tNAME\tUSER\tWORKFLOW\tRUNS\tUPDATED")
		for _, s := range sessions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
				s.SessionID, dash(s.SessionName), dash(s.UserID), dash(s.WorkflowID),
				len(s.Runs), formatUnix(s.UpdatedAt))
		}
		return tw.Flush()
	})
}

func runSessionsShow(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sessions show", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: stepflow sessions show [--config path] <session>")
	}

	return withSession(ctx, *configPath, fs.Arg(0), func(_ *workflow.Workflow, sess *workflow.Session) error {
		fmt.Fprintf(out, "Session:  %s\n", sess.SessionID)
		fmt.Fprintf(out, "Name:     %s\n", dash(sess.SessionName))
		fmt.Fprintf(out, "User:     %s\n", dash(sess.UserID))
		fmt.Fprintf(out, "Workflow: %s (%s)\n", dash(sess.WorkflowName), dash(sess.WorkflowID))
		fmt.Fprintf(out, "Created:  %s\n", formatUnix(sess.CreatedAt))
		fmt.Fprintf(out, "Updated:  %s\n", formatUnix(sess.UpdatedAt))

		if state := sess.SessionState(); len(state) > 0 {
			data, err := json.MarshalIndent(state, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "State:\n%s\n", data)
		}

		fmt.Fprintf(out, "Runs:     %d\n", len(sess.Runs))
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, run := range sess.Runs {
			if run == nil {
				continue
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", run.RunID, run.Status, formatUnix(run.CreatedAt))
		}
		return tw.Flush()
	})
}

func runSessionsRename(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sessions rename", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: stepflow sessions rename [--config path] <session> <name>")
	}

	sessionID, name := fs.Arg(0), fs.Arg(1)
	return withSession(ctx, *configPath, sessionID, func(w *workflow.Workflow, _ *workflow.Session) error {
		if err := w.RenameSession(ctx, name); err != nil {
			return err
		}
		fmt.Fprintf(out, "Renamed session %s to %q\n", sessionID, name)
		return nil
	})
}

func runSessionsDelete(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sessions delete", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: stepflow sessions delete [--config path] <session>")
	}

	sessionID := fs.Arg(0)
	return withSession(ctx, *configPath, sessionID, func(w *workflow.Workflow, _ *workflow.Session) error {
		if err := w.DeleteSession(ctx, sessionID); err != nil {
			return err
		}
		fmt.Fprintf(out, "Deleted session %s\n", sessionID)
		return nil
	})
}

// runRuns 处理 runs get
func runRuns(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 || args[0] != "get" {
		return errors.New("usage: stepflow runs get [--config path] [--json] <session> <run>")
	}

	fs := flag.NewFlagSet("runs get", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "Path to config file")
	asJSON := fs.Bool("json", false, "Print the stored run as JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: stepflow runs get [--config path] [--json] <session> <run>")
	}

	sessionID, runID := fs.Arg(0), fs.Arg(1)
	return withSession(ctx, *configPath, sessionID, func(w *workflow.Workflow, _ *workflow.Session) error {
		run, err := w.GetRun(ctx, runID)
		if err != nil {
			if errors.Is(err, workflow.ErrRunNotFound) {
				return fmt.Errorf("run %s not found in session %s", runID, sessionID)
			}
			return err
		}
		if *asJSON {
			data, err := json.MarshalIndent(run, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		}
		printer.New(out).PrintResponse(run)
		return nil
	})
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
