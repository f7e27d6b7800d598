package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/fatih/color"
)

// ErrUnknownSubcommand Execute 收到未注册的子命令
var ErrUnknownSubcommand = errors.New("unknown migrate subcommand")

// Subcommand 描述一个 stepflow migrate 子命令
type Subcommand struct {
	Name    string
	Args    string // 位置参数，如 "<version>"
	Summary string

	run func(ctx context.Context, c *CLI, args []string) error
}

var subcommands = []Subcommand{
	{Name: "up", Summary: "Apply all pending migrations", run: func(ctx context.Context, c *CLI, _ []string) error {
		return c.Up(ctx)
	}},
	{Name: "down", Summary: "Roll back the last migration", run: func(ctx context.Context, c *CLI, _ []string) error {
		return c.Down(ctx, false)
	}},
	{Name: "reset", Summary: "Roll back every migration", run: func(ctx context.Context, c *CLI, _ []string) error {
		return c.Down(ctx, true)
	}},
	{Name: "steps", Args: "<n>", Summary: "Apply (n > 0) or roll back (n < 0) n migrations", run: func(ctx context.Context, c *CLI, args []string) error {
		n, err := oneInt(args, "steps <n>")
		if err != nil {
			return err
		}
		return c.Steps(ctx, n)
	}},
	{Name: "goto", Args: "<version>", Summary: "Migrate up or down to a version", run: func(ctx context.Context, c *CLI, args []string) error {
		v, err := oneInt(args, "goto <version>")
		if err != nil {
			return err
		}
		if v < 0 {
			return fmt.Errorf("version must not be negative: %d", v)
		}
		return c.Goto(ctx, uint(v))
	}},
	{Name: "force", Args: "<version>", Summary: "Set the version without running migrations", run: func(ctx context.Context, c *CLI, args []string) error {
		v, err := oneInt(args, "force <version>")
		if err != nil {
			return err
		}
		return c.Force(ctx, v)
	}},
	{Name: "status", Summary: "List migrations and whether they are applied", run: func(ctx context.Context, c *CLI, _ []string) error {
		return c.Status(ctx)
	}},
	{Name: "version", Summary: "Show the current version", run: func(ctx context.Context, c *CLI, _ []string) error {
		return c.Version(ctx)
	}},
	{Name: "info", Summary: "Show a migration summary", run: func(ctx context.Context, c *CLI, _ []string) error {
		return c.Info(ctx)
	}},
}

// Subcommands 返回全部子命令，顺序即帮助输出的顺序
func Subcommands() []Subcommand {
	return append([]Subcommand(nil), subcommands...)
}

// LookupSubcommand 按名称查找子命令
func LookupSubcommand(name string) (Subcommand, bool) {
	for _, s := range subcommands {
		if s.Name == name {
			return s, true
		}
	}
	return Subcommand{}, false
}

func oneInt(args []string, usage string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("usage: stepflow migrate %s", usage)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid number: %s", args[0])
	}
	return n, nil
}

// =============================================================================
// 🖥️ CLI
// =============================================================================

// CLI 把 Migrator 的操作结果写到终端
type CLI struct {
	migrator Migrator
	out      io.Writer
}

// NewCLI 创建输出到 stdout 的 CLI
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, out: os.Stdout}
}

// SetOutput 设置输出
func (c *CLI) SetOutput(w io.Writer) {
	c.out = w
}

// Execute 执行名为 name 的子命令，args 为去掉 flag 后的位置参数
func (c *CLI) Execute(ctx context.Context, name string, args []string) error {
	sub, ok := LookupSubcommand(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubcommand, name)
	}
	return sub.run(ctx, c, args)
}

func (c *CLI) printf(format string, a ...any) {
	fmt.Fprintf(c.out, format, a...)
}

// done 打印操作结果与操作后的版本
func (c *CLI) done(ctx context.Context, what string) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return err
	}
	c.printf("%s %s, now at version %d%s\n", color.GreenString("✓"), what, version, dirtyMark(dirty))
	return nil
}

func dirtyMark(dirty bool) string {
	if dirty {
		return color.RedString(" (dirty)")
	}
	return ""
}

// Up 应用所有未执行的迁移
func (c *CLI) Up(ctx context.Context) error {
	if err := c.migrator.Up(ctx); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return c.done(ctx, "migrated up")
}

// Down 回滚最近一次迁移，all 为 true 时回滚全部
func (c *CLI) Down(ctx context.Context, all bool) error {
	if all {
		if err := c.migrator.DownAll(ctx); err != nil {
			return fmt.Errorf("migrate reset: %w", err)
		}
		return c.done(ctx, "rolled back all migrations")
	}
	if err := c.migrator.Down(ctx); err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}
	return c.done(ctx, "rolled back one migration")
}

// Steps n > 0 向前迁移 n 步，n < 0 回滚 -n 步
func (c *CLI) Steps(ctx context.Context, n int) error {
	if n == 0 {
		return errors.New("steps must not be zero")
	}
	if err := c.migrator.Steps(ctx, n); err != nil {
		return fmt.Errorf("migrate steps %d: %w", n, err)
	}
	if n > 0 {
		return c.done(ctx, fmt.Sprintf("applied %d migration(s)", n))
	}
	return c.done(ctx, fmt.Sprintf("rolled back %d migration(s)", -n))
}

// Goto 迁移到指定版本
func (c *CLI) Goto(ctx context.Context, version uint) error {
	if err := c.migrator.Goto(ctx, version); err != nil {
		return fmt.Errorf("migrate goto %d: %w", version, err)
	}
	return c.done(ctx, "migrated")
}

// Force 直接写入版本号并清除 dirty 标记
func (c *CLI) Force(ctx context.Context, version int) error {
	if err := c.migrator.Force(ctx, version); err != nil {
		return fmt.Errorf("migrate force %d: %w", version, err)
	}
	return c.done(ctx, "forced version")
}

// Version 打印当前版本
func (c *CLI) Version(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if version == 0 && !dirty {
		c.printf("no migrations applied\n")
		return nil
	}
	c.printf("version %d%s\n", version, dirtyMark(dirty))
	return nil
}

// Status 以表格打印每个迁移的状态
func (c *CLI) Status(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if len(statuses) == 0 {
		c.printf("no migrations found\n")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATE")
	applied := 0
	for _, s := range statuses {
		if s.Applied {
			applied++
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, stateLabel(s))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	c.printf("\n%d applied, %d pending\n", applied, len(statuses)-applied)
	return nil
}

func stateLabel(s MigrationStatus) string {
	switch {
	case s.Dirty:
		return color.RedString("dirty")
	case s.Applied:
		return color.GreenString("applied")
	default:
		return color.YellowString("pending")
	}
}

// Info 打印迁移摘要
func (c *CLI) Info(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("read info: %w", err)
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 1, ' ', 0)
	fmt.Fprintf(w, "version:\t%d%s\n", info.CurrentVersion, dirtyMark(info.Dirty))
	fmt.Fprintf(w, "total:\t%d\n", info.TotalMigrations)
	fmt.Fprintf(w, "applied:\t%d\n", info.AppliedMigrations)
	fmt.Fprintf(w, "pending:\t%d\n", info.PendingMigrations)
	return w.Flush()
}
