package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dkeye/meshroom/internal/adapters/rtc"
	"github.com/dkeye/meshroom/internal/adapters/wsclient"
	"github.com/dkeye/meshroom/internal/app/mesh"
	"github.com/dkeye/meshroom/internal/config"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
)

type chatLine struct {
	Text string `json:"text"`
}

func newJoinCmd(flags *rootFlags) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "join <room>",
		Short: "Join a room; stdin lines are broadcast to every open peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadPeerConfig(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runJoin(ctx, cfg, args[0], name)
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "display name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func runJoin(ctx context.Context, cfg *config.Peer, room, name string) error {
	coord := mesh.New(wsclient.NewClient(cfg.SignalURL), newTransportFactory(cfg, nil), mesh.Options{
		ChannelLabel:       cfg.ChannelLabel,
		NegotiationTimeout: cfg.NegotiationTimeout,
		MaxRetries:         cfg.MaxRetries,
		RetryDelay:         cfg.RetryDelay,
	})
	defer coord.Destroy()

	joinCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	self, err := coord.Join(joinCtx, room, name)
	cancel()
	if err != nil {
		return fmt.Errorf("join %q: %w", room, err)
	}
	pterm.Success.Printfln("joined %s as %s (%s)", room, self.Name, self.ID)
	printRoster(coord.Peers())

	go printEvents(coord)
	go readStdin(ctx, coord)

	<-ctx.Done()
	pterm.Info.Println("leaving")
	return nil
}

// newTransportFactory builds pion transports whose logs follow the
// configured level.
func newTransportFactory(cfg *config.Peer, se *webrtc.SettingEngine) core.TransportFactory {
	return rtc.NewFactory(*cfg, rtc.NewAPI(se, cfg.Level()))
}

func printRoster(peers []mesh.PeerInfo) {
	if len(peers) == 0 {
		pterm.Info.Println("room is empty")
		return
	}
	data := pterm.TableData{{"ID", "Name", "Link"}}
	for _, p := range peers {
		data = append(data, []string{string(p.Peer.ID), p.Peer.Name, p.State.String()})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func printEvents(coord *mesh.Coordinator) {
	names := map[domain.ClientID]string{}
	events, messages := coord.PeerEvents(), coord.Messages()
	for events != nil || messages != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			names[ev.Peer.ID] = ev.Peer.Name
			switch ev.State {
			case mesh.StateOpen:
				pterm.Success.Printfln("%s connected", label(ev.Peer))
			case mesh.StateClosed:
				pterm.Warning.Printfln("%s disconnected", label(ev.Peer))
			default:
				pterm.Debug.Printfln("%s %s", label(ev.Peer), ev.State)
			}
		case m, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			pterm.Printfln("%s %s", pterm.Cyan(label(domain.Peer{ID: m.From, Name: names[m.From]})), string(m.Data))
		}
	}
}

func readStdin(ctx context.Context, coord *mesh.Coordinator) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		n, err := coord.Broadcast(chatLine{Text: text})
		if err != nil {
			pterm.Error.Println(err.Error())
			continue
		}
		if n == 0 {
			pterm.Warning.Println("no open peers")
		}
	}
}

func label(p domain.Peer) string {
	if p.Name == "" {
		return string(p.ID)
	}
	return p.Name
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}
