// peer is a command-line counterpart to the server: it dials the signaling
// WebSocket, negotiates with the opposite politeness and drains whatever
// audio the server sends. With --audio it also paces a PCM file back.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/voicelink/internal/adapters/rtc"
	"github.com/dkeye/voicelink/internal/app/sink"
	"github.com/dkeye/voicelink/internal/audio"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/dkeye/voicelink/internal/negotiation"
)

type options struct {
	url        string
	sid        string
	label      string
	role       string
	iceServers []string
	turnUser   string
	turnPass   string
	offer      bool
	audioPath  string
	sampleRate int
	channels   int
	stats      time.Duration
	logLevel   string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("peer", pflag.ContinueOnError)
	flagSet.StringVar(&opts.url, "url", "ws://localhost:8080/api/ws/signal", "signaling WebSocket URL")
	flagSet.StringVar(&opts.sid, "sid", "", "client token to present as the ct cookie (default: server assigned)")
	flagSet.StringVar(&opts.label, "label", "cli", "label reported to the server")
	flagSet.StringVar(&opts.role, "role", "polite", "negotiation role: polite or impolite")
	flagSet.StringSliceVar(&opts.iceServers, "ice-server", nil, "STUN/TURN URL, repeatable")
	flagSet.StringVar(&opts.turnUser, "turn-user", "", "TURN username for every --ice-server")
	flagSet.StringVar(&opts.turnPass, "turn-pass", "", "TURN credential for every --ice-server")
	flagSet.BoolVar(&opts.offer, "offer", false, "send an offer right after connecting")
	flagSet.StringVar(&opts.audioPath, "audio", "", "raw 16-bit little-endian PCM file to send")
	flagSet.IntVar(&opts.sampleRate, "sample-rate", 16000, "sample rate of --audio")
	flagSet.IntVar(&opts.channels, "channels", 1, "channel count of --audio")
	flagSet.DurationVar(&opts.stats, "stats", 5*time.Second, "interval between receive stats lines, 0 disables")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "zerolog level")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	lvl, err := zerolog.ParseLevel(opts.logLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)

	polite, err := domain.ParsePoliteness(opts.role)
	if err != nil {
		return fmt.Errorf("role %q: %w", opts.role, err)
	}
	format := audio.Format{SampleRate: opts.sampleRate, BitsPerSample: 16, Channels: opts.channels}
	if opts.audioPath != "" {
		if err := format.Validate(); err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return session(ctx, opts, polite, format)
}

func iceServers(opts options) []core.ICEServer {
	if len(opts.iceServers) == 0 {
		return nil
	}
	return []core.ICEServer{{URLs: opts.iceServers, Username: opts.turnUser, Credential: opts.turnPass}}
}

func session(ctx context.Context, opts options, polite domain.Politeness, format audio.Format) error {
	header := http.Header{}
	if opts.sid != "" {
		header.Set("Cookie", "ct="+opts.sid)
	}
	u, err := url.Parse(opts.url)
	if err != nil {
		return fmt.Errorf("signaling url: %w", err)
	}
	q := u.Query()
	q.Set("label", opts.label)
	u.RawQuery = q.Encode()
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("failed to connect to WS server: %w", err)
	}
	defer ws.Close()
	log.Info().Str("module", "peer").Str("url", opts.url).Str("polite", polite.String()).Msg("connected")

	api, err := rtc.NewAPI(log.With().Str("module", "pion").Logger())
	if err != nil {
		return err
	}
	engine := negotiation.New(polite, iceServers(opts), negotiation.WithFactory(rtc.NewFactory(api)))
	defer engine.Close()

	out := newSender(ws)
	go out.run(ctx)

	drain := sink.NewDrain(core.SessionID(opts.label), log.Logger)
	engine.AddTrackListener(drain.Listener(ctx))

	var pacer *audio.Pacer
	var track *rtc.SampleTrack
	if opts.audioPath != "" {
		if track, err = rtc.NewSampleTrack("audio-"+opts.label, "voicelink-peer"); err != nil {
			return err
		}
		if _, err := engine.AddTrack(ctx, track.Track()); err != nil {
			return fmt.Errorf("add audio track: %w", err)
		}
		pacer = audio.NewPacer(track)
	}

	connected := make(chan struct{}, 1)
	engine.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "peer").Str("connection_state", s.String()).Msg("connection state")
		if s == webrtc.PeerConnectionStateConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})

	if err := engine.Attach(ctx, out); err != nil {
		return err
	}
	if opts.offer {
		if err := engine.InitiateNegotiation(ctx); err != nil {
			log.Error().Err(err).Str("module", "peer").Msg("initiate negotiation")
		}
	}

	if pacer != nil {
		go func() {
			select {
			case <-connected:
			case <-ctx.Done():
				return
			}
			f, err := os.Open(opts.audioPath)
			if err != nil {
				log.Error().Err(err).Str("module", "peer").Msg("open audio")
				return
			}
			if err := pacer.AddStream(ctx, f, format); err != nil {
				_ = f.Close()
				log.Error().Err(err).Str("module", "peer").Msg("start pacer")
				return
			}
			<-pacer.Done()
			_ = f.Close()
			log.Info().Interface("stats", pacer.Stats()).Str("module", "peer").Msg("audio finished")
		}()
		defer pacer.Stop()
	}

	if opts.stats > 0 {
		go reportStats(ctx, drain, opts.stats)
	}

	readErr := make(chan error, 1)
	go func() { readErr <- readLoop(ctx, ws, engine) }()
	select {
	case <-ctx.Done():
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return nil
	case err := <-readErr:
		return err
	}
}

func readLoop(ctx context.Context, ws *websocket.Conn, engine *negotiation.Engine) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read signaling: %w", err)
		}
		var env struct {
			Type  string `json:"type"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Str("module", "peer").Msg("bad json")
			continue
		}
		switch env.Type {
		case negotiation.EnvelopeType:
			if _, err := engine.HandleJSON(ctx, data); err != nil {
				log.Warn().Err(err).Str("module", "peer").Msg("negotiation message")
			}
		case "error":
			log.Warn().Str("module", "peer").Str("error", env.Error).Msg("server error")
		default:
			log.Debug().Str("module", "peer").Str("type", env.Type).Msg("ignored")
		}
	}
}

func reportStats(ctx context.Context, drain *sink.Drain, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range drain.Stats() {
				log.Info().Str("module", "peer").Str("track_id", s.TrackID).
					Int64("packets", s.Packets).Int64("bytes", s.Bytes).Msg("receiving")
			}
		}
	}
}
