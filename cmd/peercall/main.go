package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"peercall/internal/analytics"
	"peercall/internal/api"
	"peercall/internal/call"
	"peercall/internal/clock"
	"peercall/internal/config"
	"peercall/internal/domain"
	"peercall/internal/resilience"
	sigdispatch "peercall/internal/signal"
	"peercall/internal/store"
	"peercall/internal/webrtc"
)

const helpText = `peercall - point-to-point audio/video calls over WebRTC

Connects as the configured identity, answers incoming calls, and can
place an outgoing call at startup.

Environment Variables:
  PEERCALL_IDENTITY         Local user id (required)
  PEERCALL_TRANSPORT        "redis" (default) or "websocket"
  PEERCALL_REDIS_ADDR       Redis address (default localhost:6379)
  PEERCALL_SIGNAL_URL       WebSocket signaling URL (websocket transport)
  PEERCALL_ICE_SERVERS      Comma-separated STUN/TURN URLs
  PEERCALL_ICE_CONFIG_URL   HTTP endpoint for ephemeral ICE credentials
  PEERCALL_DIAL             Receiver id to call at startup
  PEERCALL_ROOM             Room id for the outgoing call
  PEERCALL_KIND             "video" (default) or "audio"
  PEERCALL_AUTOANSWER       "true" to pick up incoming calls automatically
  PEERCALL_METRICS_ADDR     Prometheus listen address (e.g. :9091)
  PEERCALL_LOG_LEVEL        debug|info|warn|error (default info)

Examples:
  # Wait for calls and answer them
  PEERCALL_IDENTITY=alice PEERCALL_AUTOANSWER=true peercall

  # Call bob in room demo
  PEERCALL_IDENTITY=alice PEERCALL_DIAL=bob PEERCALL_ROOM=demo peercall

Options:
  -h, --help  Show this help message
`

// allowAll authorizes every call attempt. Real deployments plug their
// permission service in here.
type allowAll struct{}

func (allowAll) CanInitiateCall(ctx context.Context, userID, roomID, receiverID string) (bool, error) {
	return true, nil
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		logrus.WithField("signal", s.String()).Info("shutting down")
		cancel()
	}()

	iceServers := cfg.ICEServers
	if cfg.ICEConfigURL != "" {
		fetched, err := api.NewClient(cfg.ICEConfigURL, cfg.ICEToken).FetchICEServers(ctx)
		if err != nil {
			logrus.Fatalf("fetch ice config: %v", err)
		}
		iceServers = fetched
	}

	clk := clock.Real{}

	// The store is always Redis; the websocket transport only replaces
	// the delivery path.
	redisClient := store.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	redisStore := store.New(redisClient)

	var transport domain.SignalTransport = redisStore
	if cfg.Transport == config.TransportWebsocket {
		ws := sigdispatch.NewWSTransport(cfg.SignalURL, cfg.Identity, clk)
		if err := ws.Connect(ctx); err != nil {
			logrus.Fatalf("signal connect: %v", err)
		}
		transport = ws
	}

	limiter := sigdispatch.NewRedisLimiter(redisClient, cfg.RateLimit, cfg.RateWindow)
	dispatcher := sigdispatch.NewDispatcher(transport, limiter, clk)
	peers := webrtc.NewManager(iceServers, webrtc.DeviceAcquirer{}, clk)
	sink := analytics.NewPrometheus(prometheus.DefaultRegisterer)

	engine := call.NewEngine(call.Deps{
		Identity:       cfg.Identity,
		Store:          redisStore,
		Transport:      transport,
		Dispatcher:     dispatcher,
		Peers:          peers,
		Authorizer:     allowAll{},
		Analytics:      sink,
		Reconnector:    resilience.NewReconnector(clk, resilience.DefaultMaxAttempts),
		Clock:          clk,
		SampleInterval: cfg.SampleInterval,
	})

	if err := engine.Start(ctx); err != nil {
		logrus.Fatalf("engine start: %v", err)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
				logrus.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	events, cancelEvents := engine.Events()
	defer cancelEvents()
	autoAnswer := os.Getenv("PEERCALL_AUTOANSWER") == "true"
	go func() {
		for ev := range events {
			logEvent(ev)
			if in, ok := ev.(domain.IncomingCall); ok && autoAnswer {
				if err := engine.AnswerCall(ctx, in.Call.ID); err != nil {
					logrus.WithField("call_id", in.Call.ID).WithError(err).Error("auto-answer failed")
				}
			}
		}
	}()

	if dial := os.Getenv("PEERCALL_DIAL"); dial != "" {
		kind := domain.CallKind(os.Getenv("PEERCALL_KIND"))
		if !kind.Valid() {
			kind = domain.KindVideo
		}
		room := os.Getenv("PEERCALL_ROOM")
		started, err := engine.StartCall(ctx, room, dial, kind)
		if err != nil {
			logrus.Fatalf("start call: %v", err)
		}
		logrus.WithField("call_id", started.ID).Info("dialing")
	}

	<-ctx.Done()
	engine.Stop()
	if err := transport.Close(); err != nil {
		logrus.WithError(err).Warn("transport close")
	}
	logrus.Info("done")
}

func logEvent(ev domain.Event) {
	log := logrus.WithField("call_id", ev.EventCallID())
	switch e := ev.(type) {
	case domain.IncomingCall:
		log.WithField("from", e.Call.CallerID).Info("incoming call")
	case domain.CallUpdated:
		log.WithField("status", string(e.Call.Status)).Info("call updated")
	case domain.CallDeclined:
		log.Info("call declined")
	case domain.CallEnded:
		log.WithField("duration", e.Call.DurationSeconds).Info("call ended")
	case domain.ConnectionStateChanged:
		log.WithField("state", e.State).Info("connection state")
	case domain.RemoteTrackAdded:
		log.WithField("track", e.Track).Info("remote track")
	case domain.QualityChanged:
		log.WithFields(logrus.Fields{"tier": e.Tier, "manual": e.Manual}).Info("quality changed")
	case domain.CallError:
		log.WithError(e.Err).WithField("terminal", e.Terminal).Error("call error")
	}
}
