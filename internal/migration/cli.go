package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
)

// Usage 子命令说明
const Usage = `Usage: convertflow migrate <command> [arg]

Commands:
  up            Apply all pending migrations
  down          Roll back the last migration
  down-all      Roll back all migrations
  steps <n>     Apply (n>0) or roll back (n<0) n migrations
  goto <v>      Migrate to version v
  force <v>     Set version v without running migrations
  version       Show the current version
  status        List migrations and their state
  info          Show a summary`

// CLI 把 Migrator 的结果格式化到终端
type CLI struct {
	migrator Migrator
	out      io.Writer
}

// NewCLI 创建 CLI，默认输出到 stdout
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, out: os.Stdout}
}

// SetOutput 设置输出
func (c *CLI) SetOutput(w io.Writer) { c.out = w }

// Execute 分发子命令。args[0] 为命令名，最多带一个整数参数。
func (c *CLI) Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing migrate command\n\n%s", Usage)
	}
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "up":
		return c.apply(ctx, "Running migrations...", "Migrations complete.", c.migrator.Up)
	case "down":
		return c.apply(ctx, "Rolling back last migration...", "Rollback complete.", c.migrator.Down)
	case "down-all":
		return c.apply(ctx, "Rolling back all migrations...", "All migrations rolled back.", c.migrator.DownAll)
	case "steps":
		n, err := intArg(cmd, rest)
		if err != nil {
			return err
		}
		banner := fmt.Sprintf("Applying %d migration(s)...", n)
		if n < 0 {
			banner = fmt.Sprintf("Rolling back %d migration(s)...", -n)
		}
		return c.apply(ctx, banner, "Complete.", func(ctx context.Context) error {
			return c.migrator.Steps(ctx, n)
		})
	case "goto":
		n, err := intArg(cmd, rest)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("goto: version must not be negative")
		}
		return c.apply(ctx, fmt.Sprintf("Migrating to version %d...", n), "Migration complete.", func(ctx context.Context) error {
			return c.migrator.Goto(ctx, uint(n))
		})
	case "force":
		n, err := intArg(cmd, rest)
		if err != nil {
			return err
		}
		if err := c.migrator.Force(ctx, n); err != nil {
			return fmt.Errorf("force: %w", err)
		}
		fmt.Fprintf(c.out, "Version forced to %d\n", n)
		return nil
	case "version":
		return c.version(ctx)
	case "status":
		return c.status(ctx)
	case "info":
		return c.info(ctx)
	default:
		return fmt.Errorf("unknown migrate command %q\n\n%s", cmd, Usage)
	}
}

func intArg(cmd string, rest []string) (int, error) {
	if len(rest) != 1 {
		return 0, fmt.Errorf("%s requires exactly one argument", cmd)
	}
	n, err := strconv.Atoi(rest[0])
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", cmd, rest[0])
	}
	return n, nil
}

// apply 打印开始横幅，执行变更，然后报告当前版本
func (c *CLI) apply(ctx context.Context, banner, done string, fn func(context.Context) error) error {
	fmt.Fprintln(c.out, banner)
	if err := fn(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	v, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s Current version: %d%s\n", done, v, dirtyMark(dirty))
	return nil
}

func dirtyMark(dirty bool) string {
	if dirty {
		return " (dirty)"
	}
	return ""
}

func (c *CLI) version(ctx context.Context) error {
	v, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if v == 0 {
		fmt.Fprintln(c.out, "No migrations applied yet.")
		return nil
	}
	fmt.Fprintf(c.out, "Current version: %d%s\n", v, dirtyMark(dirty))
	return nil
}

// status 以表格列出每个迁移
func (c *CLI) status(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.out, "No migrations found.")
		return nil
	}

	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS")
	applied := 0
	for _, s := range statuses {
		state := "Pending"
		if s.Applied {
			applied++
			state = "Applied"
		}
		if s.Dirty {
			state = "Dirty"
		}
		fmt.Fprintf(tw, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "\nTotal: %d, Applied: %d, Pending: %d\n", len(statuses), applied, len(statuses)-applied)
	return nil
}

func (c *CLI) info(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("read info: %w", err)
	}
	tw := tabwriter.NewWriter(c.out, 0, 0, 1, ' ', 0)
	fmt.Fprintf(tw, "current version:\t%d\n", info.CurrentVersion)
	fmt.Fprintf(tw, "dirty:\t%v\n", info.Dirty)
	fmt.Fprintf(tw, "total:\t%d\n", info.TotalMigrations)
	fmt.Fprintf(tw, "applied:\t%d\n", info.AppliedMigrations)
	fmt.Fprintf(tw, "pending:\t%d\n", info.PendingMigrations)
	return tw.Flush()
}
