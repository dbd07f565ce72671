package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/cradle"
	"github.com/loykin/cradle/pkg/client"
)

// EventFlags holds the flags of start, stop and amend.
type EventFlags struct {
	At   string
	Ago  time.Duration
	Meta []string
}

type command struct {
	flags *GlobalFlags
	now   func() time.Time
}

func (c command) client() *client.Client {
	token := c.flags.Token
	if token == "" {
		token = os.Getenv("CRADLE_API_TOKEN")
	}
	cfg := client.Config{
		BaseURL:  c.flags.APIUrl,
		Token:    token,
		Timeout:  c.flags.APITimeout,
		Insecure: c.flags.Insecure,
	}
	if c.flags.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: c.flags.CACert}
	}
	return client.New(cfg)
}

func (c command) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// location resolves --tz, then the config timezone.
func (c command) location() (*time.Location, error) {
	if c.flags.Timezone != "" {
		return time.LoadLocation(c.flags.Timezone)
	}
	cfg, err := cradle.LoadConfig(c.flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	return cfg.Location(), nil
}

// when turns --at/--ago into a timestamp; nil means "now, as seen by the daemon".
func (c command) when(f EventFlags) (*time.Time, error) {
	if f.At != "" && f.Ago != 0 {
		return nil, fmt.Errorf("--at and --ago are mutually exclusive")
	}
	if f.Ago < 0 {
		return nil, fmt.Errorf("--ago must be positive")
	}
	now := c.clock()
	if f.Ago > 0 {
		t := now.Add(-f.Ago)
		return &t, nil
	}
	if f.At == "" {
		return nil, nil
	}
	loc, err := c.location()
	if err != nil {
		return nil, err
	}
	t, err := parseAt(f.At, now, loc)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func addEventFlags(cmd *cobra.Command, f *EventFlags, withTime, withMeta bool) {
	if withTime {
		cmd.Flags().StringVar(&f.At, "at", "", `time of the event: "HH:MM" (today) or "YYYY-MM-DD HH:MM"`)
		cmd.Flags().DurationVar(&f.Ago, "ago", 0, "event happened this long ago (e.g. 15m)")
	}
	if withMeta {
		cmd.Flags().StringArrayVar(&f.Meta, "meta", nil, "metadata key=value (repeatable)")
	}
}

func kindArg(args []string) (string, error) {
	k, err := cradle.ParseKind(args[0])
	if err != nil {
		return "", err
	}
	return string(k), nil
}

func createStartCommand(c command) *cobra.Command {
	f := &EventFlags{}
	cmd := &cobra.Command{
		Use:   "start <nap|breastfeeding>",
		Short: "Start an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := kindArg(args)
			if err != nil {
				return err
			}
			at, err := c.when(*f)
			if err != nil {
				return err
			}
			meta, err := parseMeta(f.Meta, false)
			if err != nil {
				return err
			}
			e, err := c.client().Start(cmd.Context(), kind, client.StartRequest{At: at, Metadata: meta})
			if err != nil {
				return err
			}
			return c.printEvent(cmd.OutOrStdout(), "started", e)
		},
	}
	addEventFlags(cmd, f, true, true)
	return cmd
}

func createStopCommand(c command) *cobra.Command {
	f := &EventFlags{}
	cmd := &cobra.Command{
		Use:   "stop <nap|breastfeeding>",
		Short: "Stop the open event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := kindArg(args)
			if err != nil {
				return err
			}
			at, err := c.when(*f)
			if err != nil {
				return err
			}
			e, err := c.client().Stop(cmd.Context(), kind, client.StopRequest{At: at})
			if err != nil {
				return err
			}
			return c.printEvent(cmd.OutOrStdout(), "stopped", e)
		},
	}
	addEventFlags(cmd, f, true, false)
	return cmd
}

func createAmendCommand(c command) *cobra.Command {
	f := &EventFlags{}
	cmd := &cobra.Command{
		Use:   "amend <nap|breastfeeding>",
		Short: "Change metadata of the open event (key= deletes a key)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := kindArg(args)
			if err != nil {
				return err
			}
			meta, err := parseMeta(f.Meta, true)
			if err != nil {
				return err
			}
			if len(meta) == 0 {
				return fmt.Errorf("at least one --meta is required")
			}
			e, err := c.client().Amend(cmd.Context(), kind, client.AmendRequest{Metadata: meta})
			if err != nil {
				return err
			}
			return c.printEvent(cmd.OutOrStdout(), "amended", e)
		},
	}
	addEventFlags(cmd, f, false, true)
	return cmd
}

func createOpenCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "open",
		Short: "List open events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := c.client().Open(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(events) == 0 {
				_, err := fmt.Fprintln(out, "no open events")
				return err
			}
			now := c.clock()
			for _, e := range events {
				_, _ = fmt.Fprintf(out, "%-14s since %s (%s)  %s\n", e.Kind, c.localTime(e.StartedAt),
					now.Sub(e.StartedAt).Round(time.Minute), e.ID)
			}
			return nil
		},
	}
}

func createHealthCommand(c command) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show the latest diagnostics report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(r)
			}
			printHealth(out, r)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw report")
	return cmd
}

func createFlushCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Ask the daemon to flush pending events now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client().Flush(cmd.Context()); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "flush scheduled")
			return err
		},
	}
}

func (c command) localTime(t time.Time) string {
	loc, err := c.location()
	if err != nil {
		loc = time.Local
	}
	return t.In(loc).Format("2006-01-02 15:04")
}

func (c command) printEvent(w io.Writer, verb string, e client.Event) error {
	line := fmt.Sprintf("%s %s at %s", e.Kind, verb, c.localTime(e.StartedAt))
	if e.EndedAt != nil {
		line = fmt.Sprintf("%s %s: %s -> %s (%s)", e.Kind, verb, c.localTime(e.StartedAt),
			c.localTime(*e.EndedAt), e.EndedAt.Sub(e.StartedAt).Round(time.Second))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Metadata[k]))
		}
		line += " [" + strings.Join(parts, " ") + "]"
	}
	_, err := fmt.Fprintf(w, "%s  %s\n", line, e.ID)
	return err
}

func printHealth(w io.Writer, r client.HealthReport) {
	state := "healthy"
	if !r.Healthy {
		state = "UNHEALTHY"
	}
	_, _ = fmt.Fprintf(w, "%s  pending=%d flushed=%d failures=%d\n", state, r.Pending, r.FlushedTotal, r.FlushFailures)
	for _, ch := range r.Checks {
		mark := "ok "
		if !ch.OK {
			mark = "ERR"
		}
		_, _ = fmt.Fprintf(w, "  [%s] %-8s %s\n", mark, ch.Name, ch.Message)
	}
	for _, a := range r.Alerts {
		_, _ = fmt.Fprintf(w, "  alert %s: %s\n", a.Type, a.Message)
	}
}

