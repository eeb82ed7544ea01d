package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/devstack/internal/config"
	"github.com/loykin/devstack/internal/logger"
	"github.com/loykin/devstack/internal/stack"
	"github.com/loykin/devstack/pkg/client"
)

const defaultAPIURL = client.DefaultBaseURL

type command struct{}

// Up loads the config and runs the stack until SIGINT or SIGTERM.
func (c command) Up(ctx context.Context, out io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	lg, closer, err := logger.New(cfg.Log.Config, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(lg)

	st, err := stack.New(cfg, out)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return st.Run(ctx)
}

func (c command) client(ctx context.Context, f APIFlags) (*client.Client, error) {
	url := f.APIUrl
	if url == "" {
		url = defaultAPIURL
	}
	cl := client.New(client.Config{BaseURL: url, Timeout: f.APITimeout})
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("admin server not reachable at %s - start the stack first with 'devstack up'", url)
	}
	return cl, nil
}

// Status prints one row per service, or the raw response with --json.
func (c command) Status(ctx context.Context, out io.Writer, f StatusFlags) error {
	cl, err := c.client(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	resp, err := cl.Services(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(out, resp)
	}
	printStatusTable(out, resp.Services)
	return nil
}

// ServiceAction runs start, stop or restart on one service.
func (c command) ServiceAction(ctx context.Context, out io.Writer, f APIFlags, name, action string) error {
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	res, err := cl.ServiceAction(ctx, name, action)
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("%s %s failed: %s", action, name, res.Error)
	}
	_, _ = fmt.Fprintf(out, "%s: %s ok\n", name, action)
	return nil
}

// StackAction runs start, stop or restart on the whole stack.
func (c command) StackAction(ctx context.Context, out io.Writer, f APIFlags, action string) error {
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	res, err := cl.StackAction(ctx, action)
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("stack %s failed: %s", action, res.Error)
	}
	_, _ = fmt.Fprintf(out, "stack: %s ok\n", action)
	return nil
}

// Logs prints the tail of a service log and, with --follow, streams new
// lines until interrupted.
func (c command) Logs(ctx context.Context, out io.Writer, f LogsFlags, name string) error {
	cl, err := c.client(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	resp, err := cl.Logs(ctx, name, f.Tail)
	if err != nil {
		return err
	}
	for _, e := range resp.Entries {
		_, _ = fmt.Fprintln(out, e.Line)
	}
	if !f.Follow {
		return nil
	}
	var since int64
	if resp.MaxID != nil {
		since = *resp.MaxID
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cl.Stream(ctx, name, since, func(e client.LogEntry) error {
		_, err := fmt.Fprintln(out, e.Line)
		return err
	})
}
