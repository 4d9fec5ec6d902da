package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/loykin/sidecar"
	"github.com/loykin/sidecar/pkg/client"
)

type command struct {
	out   io.Writer
	flags *GlobalFlags
}

func (c *command) ui() *ui { return newUI(c.out) }

// apiURL picks --api-url, then the server section of --config, then the
// client default.
func (c *command) apiURL() (string, error) {
	if c.flags.APIUrl != "" {
		return c.flags.APIUrl, nil
	}
	if c.flags.ConfigPath != "" {
		conf, err := sidecar.LoadConfig(c.flags.ConfigPath)
		if err != nil {
			return "", fmt.Errorf("error loading config: %w", err)
		}
		return apiURLFor(conf.Server.Listen, conf.Server.BasePath), nil
	}
	return client.DefaultConfig().BaseURL, nil
}

// remote returns a client for a sidecar that answered its health check.
func (c *command) remote(ctx context.Context) (*client.Client, error) {
	u, err := c.apiURL()
	if err != nil {
		return nil, err
	}
	cl := client.New(client.Config{BaseURL: u, Timeout: c.flags.APITimeout})
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("sidecar not reachable at %s - start it first with 'sidecar serve'", u)
	}
	return cl, nil
}

// Serve runs the sidecar in the foreground, or forks it when daemonizing.
func (c *command) Serve(ctx context.Context, f ServeFlags, args []string) error {
	path := c.flags.ConfigPath
	if len(args) > 0 {
		path = args[0]
	}
	var (
		conf *sidecar.Config
		err  error
	)
	if path != "" {
		conf, err = sidecar.LoadConfig(path)
	} else {
		conf, err = sidecar.DefaultConfig()
	}
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if f.Daemonize {
		pid, err := daemonize(f.PidFile, f.LogFile)
		if err != nil {
			return err
		}
		c.ui().Success(fmt.Sprintf("sidecar started in background with PID %d", pid))
		return nil
	}

	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	sc, err := sidecar.New(conf, sidecar.Options{})
	if err != nil {
		return err
	}
	sc.Logger().Info("sidecar starting", "config", conf.Path, "services", len(conf.Services), "listen", conf.Server.Listen)
	return sc.Run(ctx)
}

// Validate loads a config file and prints the workers it registers.
func (c *command) Validate(args []string) error {
	path := c.flags.ConfigPath
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return errors.New("config file required. Use --config=sidecar.toml or provide as argument")
	}
	conf, err := sidecar.LoadConfig(path)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return printJSON(c.out, conf.Services)
	}
	u := c.ui()
	rows := make([][]string, 0, len(conf.Services))
	for _, d := range conf.Services {
		rows = append(rows, []string{d.ID, d.Entry, d.HealthURL(), d.Timeout().String()})
	}
	u.Table([]string{"ID", "ENTRY", "HEALTH", "TIMEOUT"}, rows)
	u.Success(fmt.Sprintf("%s: %d service(s)", conf.Path, len(conf.Services)))
	return nil
}

func (c *command) List(ctx context.Context) error {
	cl, err := c.remote(ctx)
	if err != nil {
		return err
	}
	services, err := cl.Services(ctx)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return printJSON(c.out, services)
	}
	u := c.ui()
	rows := make([][]string, 0, len(services))
	for _, s := range services {
		rt := s.Runtime
		note := rt.Message
		if rt.LastError != "" {
			note = rt.LastError
		}
		rows = append(rows, []string{s.ID, u.Status(rt.Status), pidString(rt.PID), shortAttempt(rt.Attempt), firstLine(note)})
	}
	u.Table([]string{"ID", "STATUS", "PID", "ATTEMPT", "MESSAGE"}, rows)
	return nil
}

func (c *command) Status(ctx context.Context, id string) error {
	cl, err := c.remote(ctx)
	if err != nil {
		return err
	}
	s, err := cl.Service(ctx, id)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return printJSON(c.out, s)
	}
	u := c.ui()
	u.Println(u.header.Render(s.DisplayName + " (" + s.ID + ")"))
	printRuntime(u, s.Runtime)
	u.KeyValue("health", s.HealthURL)
	return nil
}

func (c *command) Start(ctx context.Context, id string, wait time.Duration) error {
	return c.launch(ctx, id, wait, (*client.Client).Start)
}

func (c *command) Restart(ctx context.Context, id string, wait time.Duration) error {
	return c.launch(ctx, id, wait, (*client.Client).Restart)
}

func (c *command) launch(ctx context.Context, id string, wait time.Duration,
	fn func(*client.Client, context.Context, string, time.Duration) (client.Runtime, error)) error {
	cl, err := c.remote(ctx)
	if err != nil {
		return err
	}
	rt, err := fn(cl, ctx, id, wait)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		if err := printJSON(c.out, rt); err != nil {
			return err
		}
	} else {
		reportRuntime(c.ui(), rt)
	}
	if rt.Status == "error" {
		return fmt.Errorf("%s failed to start: %s", id, rt.LastError)
	}
	return nil
}

func (c *command) Stop(ctx context.Context, id string) error {
	cl, err := c.remote(ctx)
	if err != nil {
		return err
	}
	rt, err := cl.Stop(ctx, id)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return printJSON(c.out, rt)
	}
	reportRuntime(c.ui(), rt)
	return nil
}

func (c *command) Usage(ctx context.Context, id string) error {
	cl, err := c.remote(ctx)
	if err != nil {
		return err
	}
	us, err := cl.Usage(ctx, id)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return printJSON(c.out, us)
	}
	u := c.ui()
	if us.Current == nil {
		u.Warning(id + " has no usage samples (not running, or sampling disabled)")
		return nil
	}
	cur := us.Current
	u.KeyValue("pid", strconv.Itoa(cur.PID))
	u.KeyValue("cpu", fmt.Sprintf("%.1f%%", cur.CPUPercent))
	u.KeyValue("memory", fmt.Sprintf("%.1f MB", cur.MemoryMB))
	u.KeyValue("threads", strconv.Itoa(int(cur.NumThreads)))
	if cur.NumFDs > 0 {
		u.KeyValue("fds", strconv.Itoa(int(cur.NumFDs)))
	}
	u.KeyValue("samples", strconv.Itoa(len(us.History)))
	u.KeyValue("sampled", cur.Timestamp.Local().Format(time.TimeOnly))
	return nil
}

// RelaySend forwards name with raw JSON args and prints the result.
func (c *command) RelaySend(ctx context.Context, name, raw string, timeout time.Duration) error {
	var args any
	if raw != "" {
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("arguments must be valid JSON: %s", raw)
		}
		args = json.RawMessage(raw)
	}
	cl, err := c.remote(ctx)
	if err != nil {
		return err
	}
	res, err := cl.RelaySend(ctx, name, args, timeout)
	if err != nil {
		return err
	}
	return printJSON(c.out, res)
}

// Watch prints status changes until interrupted.
func (c *command) Watch(ctx context.Context, service string) error {
	cl, err := c.remote(ctx)
	if err != nil {
		return err
	}
	u := c.ui()
	err = cl.Events(ctx, service, "none", func(e client.Event) {
		if e.Status == nil {
			return
		}
		if c.flags.JSON {
			u.Println(string(e.Raw))
			return
		}
		rt := e.Status
		line := fmt.Sprintf("%s  %-12s %s", rt.UpdatedAt.Local().Format(time.TimeOnly), rt.ID, u.Status(rt.Status))
		if rt.PID > 0 {
			line += " pid=" + strconv.Itoa(rt.PID)
		}
		if rt.LastError != "" {
			line += "  " + firstLine(rt.LastError)
		}
		u.Println(line)
	})
	return ignoreCanceled(err)
}

// Listen prints relay pushes until interrupted.
func (c *command) Listen(ctx context.Context, event string) error {
	cl, err := c.remote(ctx)
	if err != nil {
		return err
	}
	u := c.ui()
	err = cl.Events(ctx, "", event, func(e client.Event) {
		if e.Push == nil {
			return
		}
		if c.flags.JSON {
			u.Println(string(e.Raw))
			return
		}
		u.Println(fmt.Sprintf("%s  %s", u.header.Render(e.Push.Event), string(e.Push.Data)))
	})
	return ignoreCanceled(err)
}

func reportRuntime(u *ui, rt client.Runtime) {
	switch rt.Status {
	case "running":
		u.Success(fmt.Sprintf("%s running (pid %d)", rt.ID, rt.PID))
	case "error":
		u.Failure(fmt.Sprintf("%s error: %s", rt.ID, firstLine(rt.LastError)))
	case "starting", "stopping":
		u.Warning(fmt.Sprintf("%s %s", rt.ID, rt.Status))
	default:
		u.Success(fmt.Sprintf("%s %s", rt.ID, rt.Status))
	}
}

func printRuntime(u *ui, rt client.Runtime) {
	u.KeyValue("status", u.Status(rt.Status))
	if rt.PID > 0 {
		u.KeyValue("pid", strconv.Itoa(rt.PID))
	}
	if rt.Attempt != "" {
		u.KeyValue("attempt", rt.Attempt)
	}
	if rt.Message != "" {
		u.KeyValue("message", rt.Message)
	}
	if rt.LastError != "" {
		u.KeyValue("last error", rt.LastError)
	}
	if !rt.UpdatedAt.IsZero() {
		u.KeyValue("updated", rt.UpdatedAt.Local().Format(time.DateTime))
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
