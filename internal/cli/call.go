package cli

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/dkeye/peershare/internal/adapters/rtc"
	"github.com/dkeye/peershare/internal/call"
	"github.com/dkeye/peershare/internal/media"
	"github.com/dkeye/peershare/internal/quality"
)

func NewDevicesCmd(deps *Dependencies, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List cameras and microphones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := deps.Capture.ListDevices(commandContext(cmd))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, d := range devices {
				data, err := json.Marshal(d)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
			}
			return nil
		},
	}
}

type callOptions struct {
	self   string
	dial   string
	camera string
	mic    string
	stun   []string
}

// NewCallCmd runs a single call. Session descriptions travel as one line
// each on stdin and stdout; call events are printed to stderr.
func NewCallCmd(deps *Dependencies, opts *options) *cobra.Command {
	co := &callOptions{}

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Place or answer a call, exchanging descriptions over stdin and stdout",
		Long: "With --dial the offer is printed and the answer is read from stdin.\n" +
			"Without it the offer is read from stdin and the answer is printed.\n" +
			"The call lasts until the remote side hangs up or the command is interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if co.self == "" {
				co.self = "peer_" + uuid.NewString()[:8]
			}
			return runCall(cmd, deps, co)
		},
	}

	cmd.Flags().StringVar(&co.self, "self", "", "own peer id (random when empty)")
	cmd.Flags().StringVar(&co.dial, "dial", "", "peer id to call; answers an incoming offer when empty")
	cmd.Flags().StringVar(&co.camera, "camera", "", "camera device id")
	cmd.Flags().StringVar(&co.mic, "mic", "", "microphone device id")
	cmd.Flags().StringSliceVar(&co.stun, "stun", []string{"stun:stun.l.google.com:19302"}, "STUN server URLs")

	return cmd
}

func runCall(cmd *cobra.Command, deps *Dependencies, co *callOptions) error {
	ctx := commandContext(cmd)

	sampler := quality.NewSampler(deps.Config.Quality)
	defer sampler.Close()
	ctrl, err := media.NewController(deps.Config.Media, deps.Capture, sampler)
	if err != nil {
		return err
	}
	for _, id := range []string{co.camera, co.mic} {
		if id == "" {
			continue
		}
		if err := ctrl.SetSourceDevice(ctx, id); err != nil {
			ctrl.Close()
			return err
		}
	}

	events := &eventPrinter{out: cmd.ErrOrStderr()}
	ctrl.Subscribe(events)

	rtcCfg := webrtc.Configuration{}
	if len(co.stun) > 0 {
		rtcCfg.ICEServers = []webrtc.ICEServer{{URLs: co.stun}}
	}
	exchange := rtc.NewStreamExchange(co.self, cmd.InOrStdin(), cmd.OutOrStdout())
	sess := call.NewSession(rtc.NewNegotiator(rtcCfg, exchange), ctrl)
	defer sess.Hangup()

	if co.dial != "" {
		err = sess.Dial(ctx, co.dial)
	} else {
		err = sess.Answer(ctx)
	}
	if err != nil {
		return err
	}
	events.print(map[string]any{"event": "connected", "self": co.self})

	select {
	case <-ctx.Done():
		sess.Hangup()
		return nil
	case <-sess.Done():
		return sess.Err()
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// eventPrinter writes controller events as JSON lines.
type eventPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *eventPrinter) print(v map[string]any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	p.mu.Lock()
	fmt.Fprintln(p.out, string(data))
	p.mu.Unlock()
}

func (p *eventPrinter) FPSChanged(fps int) {
	p.print(map[string]any{"event": "fps", "fps": fps})
}

func (p *eventPrinter) QualityChanged(s quality.Sample) {
	p.print(map[string]any{"event": "quality", "sample": s})
}

func (p *eventPrinter) Adapted(a media.Adaptation) {
	p.print(map[string]any{"event": "adapted", "adaptation": a})
}

func (p *eventPrinter) StreamChanged(role media.Role, s media.Stream) {
	ev := map[string]any{"event": "stream", "role": role}
	if s != nil {
		ev["streamId"] = s.ID()
		ev["tracks"] = len(s.Tracks())
	}
	p.print(ev)
}
