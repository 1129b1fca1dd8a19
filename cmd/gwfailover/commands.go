package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/beacon-ops/gwfailover"
	"github.com/beacon-ops/gwfailover/internal/registry"
	"github.com/beacon-ops/gwfailover/pkg/client"
)

// errNoHealthy makes probe exit non-zero.
var errNoHealthy = errors.New("no healthy cluster")

func runOrchestrator(ctx context.Context, configPath string) error {
	cfg, err := gwfailover.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	o, err := gwfailover.New(cfg)
	if err != nil {
		return err
	}
	log := o.Logger()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				log.Info("SIGHUP received, reloading")
				o.Reload("SIGHUP")
			}
		}
	}()

	log.Info("gwfailover starting", "clusters", cfg.Clusters, "poll_interval", cfg.PollInterval,
		"initial_delay", cfg.InitialDelay, "template", cfg.Template.Path)
	if err := o.Run(ctx); err != nil {
		log.Error("orchestrator failed", "error", err)
		return err
	}
	return nil
}

// probeRow is one line of probe output.
type probeRow struct {
	Cluster    string `json:"cluster"`
	URL        string `json:"url"`
	Healthy    bool   `json:"healthy"`
	StatusCode int    `json:"status_code,omitempty"`
	LatencyMS  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
}

func runProbe(ctx context.Context, out io.Writer, configPath string, flags ProbeFlags) error {
	cfg, err := gwfailover.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	reg, err := registry.New(cfg.Clusters, cfg.RegistryOptions())
	if err != nil {
		return err
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	results := gwfailover.NewProber(cfg, quiet).CheckAll(ctx, reg.Candidates())

	rows := make([]probeRow, 0, len(results))
	healthy := 0
	for _, r := range results {
		if r.Healthy {
			healthy++
		}
		rows = append(rows, probeRow{
			Cluster:    r.Candidate.Host,
			URL:        r.Candidate.ProbeURL,
			Healthy:    r.Healthy,
			StatusCode: r.StatusCode,
			LatencyMS:  r.Latency.Milliseconds(),
			Error:      r.Error,
		})
	}

	if flags.JSON {
		printJSON(out, rows)
	} else {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "CLUSTER\tHEALTHY\tSTATUS\tLATENCY\tERROR")
		for _, r := range rows {
			_, _ = fmt.Fprintf(tw, "%s\t%t\t%d\t%dms\t%s\n", r.Cluster, r.Healthy, r.StatusCode, r.LatencyMS, r.Error)
		}
		_ = tw.Flush()
	}
	if healthy == 0 {
		return errNoHealthy
	}
	return nil
}

func runRender(out io.Writer, configPath string, flags RenderFlags) error {
	cfg, err := gwfailover.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	reg, err := registry.New(cfg.Clusters, cfg.RegistryOptions())
	if err != nil {
		return err
	}
	cand, ok := reg.Lookup(flags.Cluster)
	if !ok {
		return fmt.Errorf("cluster %q is not in CLUSTERS", flags.Cluster)
	}
	rendered, err := gwfailover.NewRenderer(cfg).Render(cand)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "rendered %s for %s (%s)\n", rendered.Path, cand.Host, cand.ConnString())
	return nil
}

func runStatus(ctx context.Context, out io.Writer, flags StatusFlags) error {
	c, err := client.New(client.Config{
		BaseURL:  flags.APIUrl,
		Timeout:  flags.APITimeout,
		Insecure: flags.Insecure,
	})
	if err != nil {
		return err
	}
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if flags.JSON {
		printJSON(out, st)
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "State:\t%s (since %s)\n", st.State, formatTime(st.Since))
	_, _ = fmt.Fprintf(tw, "Active:\t%s\n", orDash(st.Active))
	_, _ = fmt.Fprintf(tw, "Connection:\t%s\n", orDash(st.ConnString))
	_, _ = fmt.Fprintf(tw, "Generation:\t%d\n", st.Generation)
	_, _ = fmt.Fprintf(tw, "Gateway:\t%s pid=%d started=%s\n", st.Gateway.State, st.Gateway.PID, formatTime(st.Gateway.StartedAt))
	if st.LastProbe != nil {
		lp := st.LastProbe
		_, _ = fmt.Fprintf(tw, "Last probe:\t%s healthy=%t status=%d %s\n",
			lp.Candidate.Host, lp.Healthy, lp.StatusCode, lp.Error)
	}
	return tw.Flush()
}

func printJSON(out io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(out, string(b))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
