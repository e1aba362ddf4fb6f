package cli

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkeye/peershare/internal/adapters/capture"
	"github.com/dkeye/peershare/internal/config"
	"github.com/dkeye/peershare/internal/media"
	"github.com/dkeye/peershare/internal/version"
)

type Dependencies struct {
	Config  *config.Config
	HTTP    *http.Client
	Capture media.Capture
	In      io.Reader
	Out     io.Writer
	Err     io.Writer
}

type options struct {
	wsURL string
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: 10 * time.Second}
	}
	if deps.Capture == nil {
		deps.Capture = capture.NewDevices()
	}
	opts := &options{wsURL: deps.Config.Client.URL}

	rootCmd := &cobra.Command{
		Use:           "peershare",
		Short:         "Talk to a peershare signaling server",
		Long:          "A signaling peer agent and call client for the peershare gateway.\nhealth, stats and group query the HTTP endpoints; create, join and listen hold a WebSocket session open until interrupted; call runs one peer-to-peer media call.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(deps.Out)
	if deps.In != nil {
		rootCmd.SetIn(deps.In)
	}
	if deps.Err != nil {
		rootCmd.SetErr(deps.Err)
	}

	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(version.Full() + "\n")
	rootCmd.PersistentFlags().StringVarP(&opts.wsURL, "url", "u", opts.wsURL, "signaling WebSocket URL")

	rootCmd.AddCommand(NewHealthCmd(deps, opts))
	rootCmd.AddCommand(NewStatsCmd(deps, opts))
	rootCmd.AddCommand(NewGroupCmd(deps, opts))
	rootCmd.AddCommand(NewCreateCmd(deps, opts))
	rootCmd.AddCommand(NewJoinCmd(deps, opts))
	rootCmd.AddCommand(NewListenCmd(deps, opts))
	rootCmd.AddCommand(NewDevicesCmd(deps, opts))
	rootCmd.AddCommand(NewCallCmd(deps, opts))

	return rootCmd
}

// httpBase maps ws://host/ws to http://host.
func (o *options) httpBase() (string, error) {
	u, err := url.Parse(o.wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws")
	u.RawQuery = ""
	return strings.TrimRight(u.String(), "/"), nil
}
