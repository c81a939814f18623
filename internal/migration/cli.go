package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
)

// CLI 迁移命令的终端输出层
type CLI struct {
	migrator Migrator
	out      io.Writer
}

// NewCLI 创建 CLI，默认输出到 stdout
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, out: os.Stdout}
}

// SetOutput 设置输出目标
func (c *CLI) SetOutput(w io.Writer) {
	c.out = w
}

// Run 按子命令名分发：up | down | down-all | steps N | goto V | force V | version | status | info
func (c *CLI) Run(ctx context.Context, command string, args []string) error {
	switch command {
	case "up":
		return c.RunUp(ctx)
	case "down":
		return c.RunDown(ctx)
	case "down-all":
		return c.RunDownAll(ctx)
	case "steps":
		n, err := intArg(command, args)
		if err != nil {
			return err
		}
		return c.RunSteps(ctx, n)
	case "goto":
		n, err := intArg(command, args)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("goto: version must be non-negative")
		}
		return c.RunGoto(ctx, uint(n))
	case "force":
		n, err := intArg(command, args)
		if err != nil {
			return err
		}
		return c.RunForce(ctx, n)
	case "version", "":
		return c.RunVersion(ctx)
	case "status":
		return c.RunStatus(ctx)
	case "info":
		return c.RunInfo(ctx)
	default:
		return fmt.Errorf("unknown migrate command: %s", command)
	}
}

func intArg(command string, args []string) (int, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("%s: missing argument", command)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", command, args[0])
	}
	return n, nil
}

// RunUp 应用全部待执行迁移
func (c *CLI) RunUp(ctx context.Context) error {
	fmt.Fprintln(c.out, "Applying migrations...")
	if err := c.migrator.Up(ctx); err != nil {
		return err
	}
	return c.printVersion(ctx, "Migrations complete")
}

// RunDown 回滚最近一次迁移
func (c *CLI) RunDown(ctx context.Context) error {
	fmt.Fprintln(c.out, "Rolling back last migration...")
	if err := c.migrator.Down(ctx); err != nil {
		return err
	}
	return c.printVersion(ctx, "Rollback complete")
}

// RunDownAll 回滚全部迁移
func (c *CLI) RunDownAll(ctx context.Context) error {
	fmt.Fprintln(c.out, "Rolling back all migrations...")
	if err := c.migrator.DownAll(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "All migrations rolled back.")
	return nil
}

// RunSteps 前进或回滚 n 步
func (c *CLI) RunSteps(ctx context.Context, n int) error {
	if n >= 0 {
		fmt.Fprintf(c.out, "Applying %d migration(s)...\n", n)
	} else {
		fmt.Fprintf(c.out, "Rolling back %d migration(s)...\n", -n)
	}
	if err := c.migrator.Steps(ctx, n); err != nil {
		return err
	}
	return c.printVersion(ctx, "Complete")
}

// RunGoto 迁移到指定版本
func (c *CLI) RunGoto(ctx context.Context, version uint) error {
	fmt.Fprintf(c.out, "Migrating to version %d...\n", version)
	if err := c.migrator.Goto(ctx, version); err != nil {
		return err
	}
	return c.printVersion(ctx, "Migration complete")
}

// RunForce 强制设置版本号
func (c *CLI) RunForce(ctx context.Context, version int) error {
	if err := c.migrator.Force(ctx, version); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Version forced to %d\n", version)
	return nil
}

// RunVersion 打印当前版本
func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return err
	}
	if version == 0 {
		fmt.Fprintln(c.out, "No migrations applied yet.")
		return nil
	}
	suffix := ""
	if dirty {
		suffix = " (dirty)"
	}
	fmt.Fprintf(c.out, "Current version: %d%s\n", version, suffix)
	return nil
}

// RunStatus 以表格打印每个迁移的状态
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.out, "No migrations found.")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	applied := 0
	for _, s := range statuses {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
		}
		if s.Applied {
			applied++
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "\nTotal: %d, Applied: %d, Pending: %d\n", len(statuses), applied, len(statuses)-applied)
	return nil
}

// RunInfo 打印迁移摘要
func (c *CLI) RunInfo(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, "Migration Information:")
	fmt.Fprintf(c.out, "  Current Version:    %d\n", info.CurrentVersion)
	fmt.Fprintf(c.out, "  Dirty:              %v\n", info.Dirty)
	fmt.Fprintf(c.out, "  Total Migrations:   %d\n", info.TotalMigrations)
	fmt.Fprintf(c.out, "  Applied Migrations: %d\n", info.AppliedMigrations)
	fmt.Fprintf(c.out, "  Pending Migrations: %d\n", info.PendingMigrations)
	return nil
}

func (c *CLI) printVersion(ctx context.Context, prefix string) error {
	version, _, err := c.migrator.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s. Current version: %d\n", prefix, version)
	return nil
}
