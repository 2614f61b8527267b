package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/orris-inc/sshfwd/internal/api"
	"github.com/orris-inc/sshfwd/internal/forward"
)

var commands = map[string]func(ctx context.Context, c *api.Client, args []string, out io.Writer) error{
	"list":      cmdList,
	"add":       cmdAdd,
	"start":     cmdStart,
	"stop":      cmdStop,
	"rm":        cmdRemove,
	"traffic":   cmdTraffic,
	"autostart": cmdAutoStart,
	"status":    cmdStatus,
}

func isCommand(name string) bool {
	_, ok := commands[name]
	return ok
}

// runCommand talks to a running daemon through the control API.
func runCommand(name string, args []string) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	addr := fs.String("addr", envOr("SSHFWD_LISTEN_ADDR", "127.0.0.1:7420"), "control API address")
	token := fs.String("token", os.Getenv("SSHFWD_API_TOKEN"), "control API bearer token")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")

	// Command flags are parsed by the command itself.
	fs.ParseErrorsWhitelist.UnknownFlags = true
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	client := api.NewClient(*addr, *token, *timeout)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := commands[name](ctx, client, args, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// positional returns args with every --flag and its value removed.
func positional(fs *flag.FlagSet, args []string) ([]string, error) {
	fs.String("addr", "", "")
	fs.String("token", "", "")
	fs.Duration("timeout", 0, "")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return fs.Args(), nil
}

func cmdList(ctx context.Context, c *api.Client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	conn := fs.String("connection", "", "only rules of this connection")
	if _, err := positional(fs, args); err != nil {
		return err
	}

	rules, err := c.ListForwards(ctx, *conn)
	if err != nil {
		return err
	}
	printRules(out, rules)
	return nil
}

func cmdAdd(ctx context.Context, c *api.Client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	var req api.AddForwardRequest
	fs.StringVar(&req.ConnectionID, "connection", "", "SSH connection id")
	fs.StringVarP(&req.Type, "type", "t", "local", "local, remote or dynamic")
	fs.StringVar(&req.LocalHost, "local-host", "", "local bind or target host")
	fs.IntVarP(&req.LocalPort, "local-port", "L", 0, "local port")
	fs.StringVar(&req.RemoteHost, "remote-host", "", "remote target or bind host")
	fs.IntVarP(&req.RemotePort, "remote-port", "R", 0, "remote port")
	fs.StringVar(&req.Description, "description", "", "free-form description")
	fs.BoolVar(&req.AutoStart, "auto-start", false, "start when the connection comes up")
	if _, err := positional(fs, args); err != nil {
		return err
	}

	rule, err := c.AddForward(ctx, req)
	if err != nil {
		return err
	}
	printRules(out, []forward.Rule{rule})
	return nil
}

func cmdStart(ctx context.Context, c *api.Client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	conn := fs.String("connection", "", "start on this connection instead of the rule's")
	ids, err := positional(fs, args)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("usage: sshfwd start <forward-id>...")
	}

	var rules []forward.Rule
	for _, id := range ids {
		rule, err := c.StartForward(ctx, id, *conn)
		if err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		rules = append(rules, rule)
	}
	printRules(out, rules)
	return nil
}

func cmdStop(ctx context.Context, c *api.Client, args []string, out io.Writer) error {
	ids, err := positional(flag.NewFlagSet("stop", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("usage: sshfwd stop <forward-id>...")
	}

	var rules []forward.Rule
	for _, id := range ids {
		rule, err := c.StopForward(ctx, id)
		if err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		rules = append(rules, rule)
	}
	printRules(out, rules)
	return nil
}

func cmdRemove(ctx context.Context, c *api.Client, args []string, out io.Writer) error {
	ids, err := positional(flag.NewFlagSet("rm", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := c.DeleteForward(ctx, id); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		fmt.Fprintln(out, "deleted", id)
	}
	return nil
}

func cmdAutoStart(ctx context.Context, c *api.Client, args []string, out io.Writer) error {
	ids, err := positional(flag.NewFlagSet("autostart", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	if len(ids) != 1 {
		return fmt.Errorf("usage: sshfwd autostart <connection-id>")
	}

	res, err := c.AutoStart(ctx, ids[0])
	if err != nil {
		return err
	}
	for _, id := range res.Started {
		fmt.Fprintln(out, "started", id)
	}
	for id, msg := range res.Failed {
		fmt.Fprintf(out, "failed  %s: %s\n", id, msg)
	}
	return nil
}

func cmdTraffic(ctx context.Context, c *api.Client, args []string, out io.Writer) error {
	if _, err := positional(flag.NewFlagSet("traffic", flag.ContinueOnError), args); err != nil {
		return err
	}
	stats, err := c.Traffic(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FORWARD\tIN\tOUT\tCONNS\tACTIVE\tLAST ACTIVITY")
	for _, s := range stats {
		last := "-"
		if !s.LastActivity.IsZero() {
			last = s.LastActivity.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n",
			s.ForwardID, s.BytesIn, s.BytesOut, s.ConnectionsTotal, s.ConnectionsActive, last)
	}
	return tw.Flush()
}

func cmdStatus(ctx context.Context, c *api.Client, args []string, out io.Writer) error {
	if _, err := positional(flag.NewFlagSet("status", flag.ContinueOnError), args); err != nil {
		return err
	}
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "host\t%s\n", st.Hostname)
	fmt.Fprintf(tw, "cpu\t%.1f%%\n", st.CPUPercent)
	fmt.Fprintf(tw, "memory\t%.1f%%\n", st.MemoryPercent)
	fmt.Fprintf(tw, "forwards\t%d active / %d\n", st.ActiveForwards, st.TotalForwards)
	fmt.Fprintf(tw, "connections\t%d piped\n", st.ActiveConnections)
	for id, up := range st.SSHConnections {
		state := "disconnected"
		if up {
			state = "connected"
		}
		fmt.Fprintf(tw, "ssh %s\t%s\n", id, state)
	}
	return tw.Flush()
}

func printRules(out io.Writer, rules []forward.Rule) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCONNECTION\tTYPE\tLOCAL\tREMOTE\tSTATUS")
	for _, r := range rules {
		remote := "-"
		if r.Type != forward.TypeDynamic {
			remote = r.RemoteAddr()
		}
		st := string(r.Status)
		if r.Error != "" {
			st += ": " + r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.ConnectionID, r.Type, r.LocalAddr(), remote, st)
	}
	tw.Flush()
}
