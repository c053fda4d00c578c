package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/zette-dev/chatbridge/internal/config"
	"github.com/zette-dev/chatbridge/internal/executor"
	"github.com/zette-dev/chatbridge/internal/executor/claude"
	"github.com/zette-dev/chatbridge/internal/question"
)

var (
	replyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	tokenStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62")).
			Bold(true)

	questionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	actionStyles = map[question.Style]lipgloss.Style{
		question.StylePrimary:   lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		question.StyleSecondary: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		question.StyleSuccess:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		question.StyleDanger:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

type askOptions struct {
	stream  bool
	dir     string
	resume  string
	model   string
	tools   string
	timeout time.Duration
}

func newAskCmd(root *rootOptions) *cobra.Command {
	opts := &askOptions{}

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Run a single prompt through Claude Code and print the reply",
		Long: `Run one agent turn from the terminal, using the same executors as the bot.

The Claude settings come from --config when it is given explicitly, otherwise
from defaults and CLAUDE_ALLOWED_TOOLS. Pass the printed resume token back with
--resume to continue the conversation.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cc config.ClaudeConfig
			if cmd.Flags().Changed("config") {
				cfg, err := config.Load(root.configPath)
				if err != nil {
					return err
				}
				cc = cfg.Claude
			}

			dir := opts.dir
			if dir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("get working directory: %w", err)
				}
				dir = wd
			}

			req := executor.Request{
				Prompt:       strings.Join(args, " "),
				ResumeToken:  opts.resume,
				WorkDir:      config.ExpandHome(dir),
				AllowedTools: config.ParseToolList(opts.tools),
				Model:        opts.model,
				Timeout:      opts.timeout,
			}
			exec := claude.New(cc)
			out := cmd.OutOrStdout()

			if opts.stream {
				printed := 0
				res, err := exec.Stream(cmd.Context(), req, func(_ context.Context, content string) {
					if len(content) > printed {
						fmt.Fprint(out, replyStyle.Render(content[printed:]))
						printed = len(content)
					}
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(out)
				renderFooter(out, res.ResumeToken, nil)
				renderQuestion(out, res.Content)
				return nil
			}

			res, err := exec.Execute(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, replyStyle.Render(res.Text))
			renderFooter(out, res.ResumeToken, res)
			renderQuestion(out, res.Text)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&opts.stream, "stream", "s", false, "Stream the reply as it is generated")
	cmd.Flags().StringVarP(&opts.dir, "dir", "d", "", "Working directory for the agent (default current directory)")
	cmd.Flags().StringVarP(&opts.resume, "resume", "r", "", "Resume token from a previous run")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Model to use")
	cmd.Flags().StringVar(&opts.tools, "tools", "", "Comma-separated tool allowlist")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Timeout for the run (default from config)")
	return cmd
}

// renderFooter prints the resume token and, for batch runs, usage figures.
func renderFooter(w io.Writer, token string, res *executor.Result) {
	fmt.Fprintln(w)
	if token != "" {
		fmt.Fprintln(w, footerStyle.Render("resume:"), tokenStyle.Render(token))
	} else {
		fmt.Fprintln(w, footerStyle.Render("resume: (none returned)"))
	}
	if res == nil {
		return
	}

	fmt.Fprintln(w, footerStyle.Render(fmt.Sprintf(
		"turns: %d  cost: $%.4f  time: %s  tokens: %d in / %d out",
		res.Turns, res.CostUSD, res.Duration.Round(time.Millisecond),
		res.Usage.InputTokens, res.Usage.OutputTokens,
	)))
}

// renderQuestion lists the quick replies when the reply asks something.
func renderQuestion(w io.Writer, text string) {
	c, ok := question.Classify(text)
	if !ok {
		return
	}

	fmt.Fprintln(w, questionStyle.Render("Suggested replies:"))
	for _, a := range c.Actions {
		fmt.Fprintf(w, "  %s  %s\n", actionStyles[a.Style].Render(a.Label), footerStyle.Render(fmt.Sprintf("--resume <token> %q", a.Value)))
	}
}
