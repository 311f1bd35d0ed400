package cmd

import (
	"io"

	"github.com/killallgit/kortix/pkg/api"
	"github.com/killallgit/kortix/pkg/auth"
	"github.com/killallgit/kortix/pkg/chatsession"
	"github.com/killallgit/kortix/pkg/config"
	"github.com/killallgit/kortix/pkg/console"
	"github.com/killallgit/kortix/pkg/history"
	"github.com/killallgit/kortix/pkg/metrics"
	"github.com/killallgit/kortix/pkg/stream"
	"github.com/spf13/cobra"
)

// app wires the configured backend client, transport and renderer
type app struct {
	cfg       *config.Config
	client    *api.Client
	transport *stream.HTTPTransport
	metrics   *metrics.Metrics
	renderer  *console.Renderer
	out       io.Writer
}

func newApp(cmd *cobra.Command) *app {
	cfg := config.Get()
	tokens := auth.FromConfig(cfg.Auth)
	m := metrics.New()

	client := api.NewClient(cfg.API.URL,
		api.WithTimeout(cfg.API.Timeout),
		api.WithTokenSource(tokens),
		api.WithRateLimit(cfg.API.RateLimit, cfg.API.Burst),
		api.WithMetrics(m),
	)
	transport := stream.NewHTTPTransport(cfg.API.URL,
		stream.WithStreamTokenSource(tokens),
		stream.WithStreamMetrics(m),
	)

	var opts []console.Option
	if plain, _ := cmd.Flags().GetBool("plain"); plain {
		opts = append(opts, console.WithPlain())
	}

	return &app{
		cfg:       cfg,
		client:    client,
		transport: transport,
		metrics:   m,
		renderer:  console.NewRenderer(cmd.OutOrStdout(), opts...),
		out:       cmd.OutOrStdout(),
	}
}

func (a *app) agentOptions() api.StartAgentOptions {
	opts := api.StartAgentOptions{
		ModelName:       a.cfg.Agent.ModelName,
		ReasoningEffort: a.cfg.Agent.ReasoningEffort,
		AgentID:         a.cfg.Agent.AgentID,
	}
	if a.cfg.Agent.EnableThinking {
		enabled := true
		opts.EnableThinking = &enabled
	}
	streaming := true
	opts.Stream = &streaming
	return opts
}

func (a *app) newSession(threadID string) *chatsession.Session {
	opts := []chatsession.Option{
		chatsession.WithProject(a.cfg.ProjectID),
		chatsession.WithAgentOptions(a.agentOptions()),
		chatsession.WithStreamDelays(a.cfg.Stream.ClearDelay, a.cfg.Stream.InvalidateDelay),
		chatsession.WithHistory(history.NewCache(a.client,
			history.WithPollInterval(a.cfg.History.PollInterval),
			history.WithMetrics(a.metrics),
		)),
		chatsession.WithMetrics(a.metrics),
	}
	if threadID != "" {
		opts = append(opts, chatsession.WithThread(threadID))
	}
	return chatsession.New(a.client, a.transport, opts...)
}
