package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/richinsley/comfyrun/client"
	"github.com/richinsley/comfyrun/graphapi"
	"github.com/richinsley/comfyrun/internal/config"
	"github.com/richinsley/comfyrun/internal/logging"
)

// app carries what every subcommand needs once flags and config are resolved.
type app struct {
	v          *viper.Viper
	configFile string
	cfg        *config.Config
	zlog       *zap.Logger
	logger     *slog.Logger
	client     *client.ComfyClient
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:   "comfyrun",
		Short: "Run prompts through ComfyUI workflows and browse job history",
		Long: `comfyrun injects prompt text into an API format workflow, submits it to a
ComfyUI server and waits for the generated artifact.  It can also list and
inspect the server's job history.

Settings are read from flags, COMFYRUN_* environment variables and
comfyrun.yaml, in that order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.zlog != nil {
				_ = a.zlog.Sync()
			}
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.configFile, "config", "", "config file (default: ./comfyrun.yaml)")
	f.StringP("server", "s", "http://127.0.0.1:8188", "server base URL")
	f.Duration("request-timeout", client.DefaultRequestTimeout, "timeout of each request")
	f.String("log-level", "info", "debug, info, warn or error")
	f.String("log-format", "text", "text or json")
	a.bind("server", f.Lookup("server"))
	a.bind("request_timeout", f.Lookup("request-timeout"))
	a.bind("log.level", f.Lookup("log-level"))
	a.bind("log.format", f.Lookup("log-format"))

	root.AddCommand(
		newRunCmd(a),
		newClassifyCmd(a),
		newHistoryCmd(a),
		newJobCmd(a),
		newInterruptCmd(a),
		newStatsCmd(a),
	)
	return root
}

func (a *app) bind(key string, flag *pflag.Flag) {
	if err := a.v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", flag.Name, err))
	}
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return err
	}
	zl, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.zlog = zl
	a.logger = logging.Slog(zl)
	a.client = client.NewComfyClient(cfg.Server,
		client.WithLogger(a.logger),
		client.WithHttpClient(&http.Client{Timeout: cfg.RequestTimeout}),
	)
	a.logger.Debug("configuration loaded",
		"server", a.client.BaseURL(),
		"config_file", a.v.ConfigFileUsed(),
		"client_id", a.client.ClientID(),
	)
	return nil
}

// loadWorkflow reads an API format workflow from a .json file or from the
// metadata of a .png file.  An empty path yields a nil workflow.
func loadWorkflow(path string) (*graphapi.Workflow, error) {
	if path == "" {
		return nil, nil
	}
	if strings.EqualFold(filepath.Ext(path), ".png") {
		return graphapi.LoadWorkflowFromPNGFile(path)
	}
	return graphapi.LoadWorkflowFile(path)
}

