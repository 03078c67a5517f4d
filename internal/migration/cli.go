package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
)

// Op 迁移命令
type Op string

const (
	OpUp      Op = "up"
	OpDown    Op = "down"
	OpReset   Op = "reset"
	OpGoto    Op = "goto"
	OpForce   Op = "force"
	OpVersion Op = "version"
	OpStatus  Op = "status"
	OpVerify  Op = "verify"
)

// ErrUnknownOp 未知的迁移命令
var ErrUnknownOp = errors.New("unknown migration command")

// ParseOp 解析命令名
func ParseOp(s string) (Op, error) {
	switch op := Op(s); op {
	case OpUp, OpDown, OpReset, OpGoto, OpForce, OpVersion, OpStatus, OpVerify:
		return op, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOp, s)
}

// NeedsVersion goto/force 需要目标版本参数
func (op Op) NeedsVersion() bool { return op == OpGoto || op == OpForce }

// Command 一次迁移调用；Version 仅 goto/force 使用
type Command struct {
	Op      Op
	Version int
}

// Console 执行迁移命令并把结果写成人类可读的文本
type Console struct {
	migrator Migrator
	out      io.Writer
}

// NewConsole 创建控制台，输出到 out
func NewConsole(m Migrator, out io.Writer) *Console {
	return &Console{migrator: m, out: out}
}

// Run 执行命令
func (c *Console) Run(ctx context.Context, cmd Command) error {
	switch cmd.Op {
	case OpUp:
		return c.apply(ctx, "Applying pending migrations", c.migrator.Up)
	case OpDown:
		return c.apply(ctx, "Rolling back the last migration", c.migrator.Down)
	case OpReset:
		return c.apply(ctx, "Rolling back all migrations", c.migrator.Reset)
	case OpGoto:
		if cmd.Version < 0 {
			return fmt.Errorf("goto version must be >= 0, got %d", cmd.Version)
		}
		target := uint(cmd.Version)
		return c.apply(ctx, fmt.Sprintf("Migrating to version %d", target), func(ctx context.Context) error {
			return c.migrator.Goto(ctx, target)
		})
	case OpForce:
		if err := c.migrator.Force(ctx, cmd.Version); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Version forced to %d\n", cmd.Version)
		return nil
	case OpVersion:
		return c.version(ctx)
	case OpStatus:
		return c.status(ctx)
	case OpVerify:
		if err := c.migrator.Verify(ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "Schema OK")
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, cmd.Op)
	}
}

func (c *Console) apply(ctx context.Context, banner string, fn func(context.Context) error) error {
	fmt.Fprintf(c.out, "%s...\n", banner)
	if err := fn(ctx); err != nil {
		return err
	}
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Done. Current version: %d%s\n", version, dirtySuffix(dirty))
	return nil
}

func (c *Console) version(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return err
	}
	if version == 0 {
		fmt.Fprintln(c.out, "No migrations applied yet.")
		return nil
	}
	fmt.Fprintf(c.out, "Current version: %d%s\n", version, dirtySuffix(dirty))
	return nil
}

func (c *Console) status(ctx context.Context) error {
	report, err := c.migrator.Status(ctx)
	if err != nil {
		return err
	}
	if len(report.Migrations) == 0 {
		fmt.Fprintln(c.out, "No migrations found.")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	for _, m := range report.Migrations {
		state := "pending"
		switch {
		case m.Dirty:
			state = "dirty"
		case m.Applied:
			state = "applied"
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", m.Version, m.Name, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(c.out, "\nTotal: %d, Applied: %d, Pending: %d\n",
		len(report.Migrations), report.Applied(), report.Pending())
	return nil
}

func dirtySuffix(dirty bool) string {
	if dirty {
		return " (dirty)"
	}
	return ""
}
