package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pairline/relay/internal/call"
	"github.com/pairline/relay/internal/discovery"
	"github.com/pairline/relay/internal/logging"
	"github.com/pairline/relay/internal/protocol"
)

func runDiscover(ctx context.Context, args []string) error {
	fs := newFlagSet("discover")
	timeout := fs.Duration("timeout", 3*time.Second, "how long to listen")
	fs.Parse(args)

	endpoints, err := discovery.Browse(ctx, *timeout, nil)
	if err != nil {
		return err
	}
	if len(endpoints) == 0 {
		fmt.Println("no relays found")
		return nil
	}
	for _, ep := range endpoints {
		auth := ""
		if ep.AuthRequired {
			auth = " (token required)"
		}
		fmt.Printf("%s\t%s\t%s%s\n", ep.Instance, ep.URL(), ep.Version, auth)
	}
	return nil
}

func runCall(ctx context.Context, args []string, answer bool) error {
	name := "call"
	if answer {
		name = "answer"
	}
	fs := newFlagSet(name)
	relayURL := fs.String("relay", "", "relay websocket url (discovered on the LAN when empty)")
	user := fs.String("user", "", "your user id")
	token := fs.String("token", os.Getenv("PAIRLINE_TOKEN"), "registration token")
	to := fs.String("to", "", "user to call")
	kind := fs.String("type", "audio", "call type: audio or video")
	stun := fs.String("stun", "stun:stun.l.google.com:19302", "comma separated ICE server urls")
	duration := fs.Duration("duration", 0, "hang up after this long once connected (0 waits for the peer)")
	level := fs.String("log-level", "warn", "log level")
	loopback := fs.Bool("loopback", false, "offer loopback ICE candidates (both peers on this host)")
	fs.Parse(args)

	if *user == "" {
		return errors.New("-user is required")
	}
	if !answer && *to == "" {
		return errors.New("-to is required")
	}

	logger, err := logging.NewConsoleLogger(*level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	url := *relayURL
	if url == "" {
		if url, err = discoverRelay(ctx, logger); err != nil {
			return err
		}
	}

	sig, err := call.Dial(ctx, url, *user, *token, logger)
	if err != nil {
		return fmt.Errorf("%s: %w", call.UserMessage(err), err)
	}
	defer sig.Close()

	var ice []string
	for _, s := range strings.Split(*stun, ",") {
		if s = strings.TrimSpace(s); s != "" {
			ice = append(ice, s)
		}
	}
	factory := call.NewPionFactory(ice, logger)
	if *loopback {
		factory = factory.WithLoopbackCandidates()
	}
	ctrl := call.NewController(sig, call.SyntheticDevice{}, factory, logger)
	defer ctrl.Close()

	go func() {
		if err := sig.Run(ctx, ctrl.Handle); err != nil && ctx.Err() == nil {
			ctrl.SignalingClosed()
		}
	}()

	if !answer {
		if err := ctrl.InitiateCall(ctx, *to, protocol.CallType(*kind)); err != nil {
			return fmt.Errorf("%s: %w", call.UserMessage(err), err)
		}
		fmt.Printf("calling %s...\n", *to)
	} else {
		fmt.Printf("waiting for calls as %s\n", *user)
	}

	var hangup <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctrl.EndCall(context.Background())
		case <-hangup:
			return ctrl.EndCall(ctx)
		case ev, ok := <-ctrl.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case call.EventIncomingCall:
				fmt.Printf("incoming %s call from %s\n", ev.CallType, ev.PeerID)
				if answer {
					if err := ctrl.AcceptCall(ctx, ev.RoomID); err != nil {
						fmt.Println(call.UserMessage(err))
					}
				}
			case call.EventLocalMedia:
				fmt.Printf("local media ready: audio=%t video=%t\n", ev.MediaState.Audio, ev.MediaState.Video)
			case call.EventCallAccepted:
				fmt.Printf("%s accepted\n", ev.PeerID)
			case call.EventStateChanged:
				fmt.Printf("state: %s\n", ev.State)
				if ev.State == call.StateConnected && *duration > 0 {
					hangup = time.After(*duration)
				}
			case call.EventRemoteTrack:
				fmt.Printf("receiving %s from %s\n", ev.TrackKind, ev.PeerID)
			case call.EventRemoteMediaState:
				fmt.Printf("%s media: audio=%t video=%t\n", ev.PeerID, ev.MediaState.Audio, ev.MediaState.Video)
			case call.EventError:
				fmt.Println(call.UserMessage(ev.Err))
				return ev.Err
			case call.EventCallDeclined:
				fmt.Printf("%s (%s)\n", call.UserMessage(ev.Err), ev.Reason)
				return nil
			case call.EventCallEnded:
				fmt.Printf("call ended (%s)\n", ev.Reason)
				return nil
			}
		}
	}
}

func discoverRelay(ctx context.Context, logger *zap.Logger) (string, error) {
	endpoints, err := discovery.Browse(ctx, 3*time.Second, logger)
	if err != nil {
		return "", err
	}
	if len(endpoints) == 0 {
		return "", errors.New("no relay found on the local network; pass -relay")
	}
	logger.Info("using discovered relay", zap.String("instance", endpoints[0].Instance), zap.String("url", endpoints[0].URL()))
	return endpoints[0].URL(), nil
}
