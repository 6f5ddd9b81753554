package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/richinsley/comfyrun/client"
	"github.com/richinsley/comfyrun/graphapi"
)

type runOptions struct {
	prompt   string
	negative string
	mode     string
	image    string
	output   string
}

func newRunCmd(a *app) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate an artifact from a prompt",
		Example: `  comfyrun run -w txt2img.json -p "a lighthouse at dusk" -n "blurry, text"
  comfyrun run -w img2img.png --image sketch.png -p "watercolor" -o out/`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, o)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.prompt, "prompt", "p", "", "prompt text")
	f.StringVarP(&o.negative, "negative", "n", "", "negative prompt text; implies dual mode")
	f.StringVar(&o.mode, "mode", "", "injection mode, single or dual (default: dual when --negative is set)")
	f.StringVar(&o.image, "image", "", "input image for workflows with an image loader")
	f.StringVarP(&o.output, "output", "o", "", "directory to download the artifact to")
	f.StringP("workflow", "w", "", "API format workflow, .json or .png with embedded prompt")
	f.Duration("poll-interval", client.DefaultPollInterval, "pause between history polls")
	f.Int("max-attempts", client.DefaultMaxAttempts, "number of polls before giving up")
	f.Bool("live", false, "show sampler progress from the server websocket")
	a.bind("workflow", f.Lookup("workflow"))
	a.bind("poll_interval", f.Lookup("poll-interval"))
	a.bind("max_attempts", f.Lookup("max-attempts"))
	a.bind("live_progress", f.Lookup("live"))
	return cmd
}

func newSpinner(w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetDescription("Starting..."),
		progressbar.OptionClearOnFinish(),
	)
}

func (a *app) run(cmd *cobra.Command, o *runOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workflow, err := loadWorkflow(a.cfg.Workflow)
	if err != nil {
		return fmt.Errorf("loading workflow: %w", err)
	}

	req := &client.RunRequest{
		PromptText:         o.prompt,
		NegativePromptText: o.negative,
		Mode:               graphapi.PromptMode(o.mode),
		Workflow:           workflow,
	}
	switch req.Mode {
	case "", graphapi.PromptModeSingle, graphapi.PromptModeDual:
	default:
		return fmt.Errorf("unknown mode %q", o.mode)
	}
	if o.image != "" {
		f, err := os.Open(o.image)
		if err != nil {
			return err
		}
		defer f.Close()
		req.InputImage = &client.InputImage{Reader: f, Filename: filepath.Base(o.image)}
	}

	bar := newSpinner(cmd.ErrOrStderr())
	handlers := client.DefaultRunHandlers(a.logger).
		WithStatusHandler(func(msg string) {
			bar.Describe(msg)
			_ = bar.Add(1)
		})
	runner := client.NewRunner(a.client,
		client.WithPollInterval(a.cfg.PollInterval),
		client.WithMaxAttempts(a.cfg.MaxAttempts),
		client.WithLiveProgress(a.cfg.LiveProgress),
		client.WithRunHandlers(handlers),
	)

	res, err := runner.Run(ctx, req)
	_ = bar.Finish()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if res.State == client.StateCancelled {
		fmt.Fprintf(out, "cancelled; job %s may still run on the server\n", res.PromptID)
		return nil
	}
	fmt.Fprintln(out, res.ArtifactURL)

	if o.output != "" {
		// the run context may already be cancelled by a late signal
		dlctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		path, err := a.download(dlctx, *res.Artifact, o.output)
		if err != nil {
			return fmt.Errorf("downloading artifact: %w", err)
		}
		fmt.Fprintln(out, path)
	}
	return nil
}

func (a *app) download(ctx context.Context, out client.DataOutput, dir string) (string, error) {
	data, err := a.client.GetImage(ctx, out)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, filepath.Base(out.Filename))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
