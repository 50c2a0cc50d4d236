package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/wgsyncache/pkg/config"
	"github.com/irctrakz/wgsyncache/pkg/core"
	"github.com/irctrakz/wgsyncache/pkg/logging"
	"github.com/irctrakz/wgsyncache/pkg/stack"
	wg "github.com/irctrakz/wgsyncache/pkg/wireguard"
)

func truthy(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func main() {
	cfgPath := flag.String("config", os.Getenv("WGSYNCACHE_CONFIG"), "path to a .yaml/.yml/.json config file")
	selftest := flag.Bool("selftest", truthy("SELFTEST"), "run an in-process handshake against the configured listeners and exit")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *cfgPath != "" {
		if err := config.LoadFromFile(*cfgPath, cfg); err != nil {
			logging.Fatalf("config: %v", err)
		}
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		logging.Fatalf("config: %v", err)
	}
	if truthy("DEBUG") {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		logging.Fatalf("config: %v", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		logging.Fatalf("logging: %v", err)
	}

	if *selftest {
		if err := runSelfTest(cfg); err != nil {
			logging.Errorf("selftest failed: %v", err)
			os.Exit(1)
		}
		logging.Infof("selftest ok")
		return
	}

	dcfg := wg.FromCore(cfg.WireGuard)
	if err := dcfg.LoadFromEnv(); err != nil {
		logging.Fatalf("wireguard config: %v", err)
	}
	if err := dcfg.Validate(); err != nil {
		logging.Fatalf("wireguard config: %v", err)
	}

	// The TUN and the stack feed each other; inbound is set before the
	// device starts delivering frames.
	var inbound *stack.InboundProcessor
	tun := wg.NewWGTun("wgsc0", dcfg.MTU, cfg.Stack.QueueCap, core.ProcessorFunc(func(p core.Packet) error {
		return inbound.ProcessPacket(p)
	}))
	if dcfg.PCAPFile != "" {
		tee, err := wg.OpenPCAP(dcfg.PCAPFile)
		if err != nil {
			logging.Fatalf("%v", err)
		}
		defer tee.Close()
		tun.SetPCAP(tee)
	}
	wgProc := wg.NewWGPacketProcessor(tun)

	st, err := buildStack(cfg, wgProc)
	if err != nil {
		logging.Fatalf("stack: %v", err)
	}
	defer st.Close()

	inbound = stack.NewInboundProcessor(st, cfg.Stack.Workers, cfg.Stack.QueueCap)
	if err := inbound.Start(); err != nil {
		logging.Fatalf("inbound processor: %v", err)
	}
	defer inbound.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listeners, err := listen(ctx, cfg, st)
	if err != nil {
		logging.Fatalf("listen: %v", err)
	}
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()

	dev, err := wg.StartDevice(dcfg, tun, wg.DeviceOptions{
		Verbose:      truthy("WG_DEBUG"),
		MonitorEvery: monitorInterval(),
	})
	if err != nil {
		logging.Fatalf("wireguard start: %v", err)
	}
	defer dev.Close()

	rep := &reporter{stack: st, inbound: inbound, wg: wgProc, dev: dev, listeners: listeners}
	if iv := cfg.Metrics.Interval.Std(); iv > 0 {
		go rep.run(ctx, iv, os.Getenv("METRICS_FORMAT"))
	}

	var srv *http.Server
	if cfg.Metrics.HealthAddr != "" {
		srv = serveHTTP(cfg.Metrics.HealthAddr, rep)
	}

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	logging.Infof("received %s, shutting down", sig)
	if srv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		srv.Shutdown(sctx)
		scancel()
	}
}

func monitorInterval() time.Duration {
	if truthy("WG_DEBUG") {
		return 30 * time.Second
	}
	return 0
}

func buildStack(cfg *config.Config, out core.PacketProcessor) (*stack.Stack, error) {
	scfg, err := cfg.StackOptions()
	if err != nil {
		return nil, err
	}
	routes, err := cfg.RouteTable()
	if err != nil {
		return nil, err
	}
	for _, r := range routes.Routes() {
		logging.Debugf("route %s", r)
	}
	return stack.New(scfg, cfg.CacheOptions(), out, stack.WithRouteTable(routes))
}

func listen(ctx context.Context, cfg *config.Config, st *stack.Stack) ([]*stack.Listener, error) {
	lcs, err := cfg.ListenConfigs()
	if err != nil {
		return nil, err
	}
	var out []*stack.Listener
	for _, lc := range lcs {
		l, err := st.Listen(lc)
		if err != nil {
			for _, prev := range out {
				prev.Close()
			}
			return nil, err
		}
		out = append(out, l)
		go acceptLoop(ctx, l)
	}
	return out, nil
}

// acceptLoop logs completed handshakes. Data transfer is out of scope, so
// each connection is reset once its parameters are recorded.
func acceptLoop(ctx context.Context, l *stack.Listener) {
	log := logging.Component("accept").WithField("listener", l.Addr().String())
	for {
		c, err := l.Accept(ctx)
		if err != nil {
			if !errors.Is(err, stack.ErrListenerClosed) && !errors.Is(err, context.Canceled) {
				log.Warnf("accept: %v", err)
			}
			return
		}
		log.WithFields(logrus.Fields{
			"peer":     c.RemoteAddr().String(),
			"peer_mss": c.PeerMSS,
			"snd_wnd":  c.SendWindow(),
			"iss":      c.ISS,
			"irs":      c.IRS,
		}).Info("connection established")
		c.Close()
	}
}

func serveHTTP(addr string, rep *reporter) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rep.snapshot())
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorf("http %s: %v", addr, err)
		}
	}()
	return srv
}
