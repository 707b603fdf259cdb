package box

import (
	"context"
	"os"
	"time"

	"github.com/sagernet/sing-expose/adapter"
	"github.com/sagernet/sing-expose/common/bandwidth"
	"github.com/sagernet/sing-expose/common/store"
	ctls "github.com/sagernet/sing-expose/common/tls"
	"github.com/sagernet/sing-expose/experimental/adminapi"
	"github.com/sagernet/sing-expose/experimental/metrics"
	"github.com/sagernet/sing-expose/log"
	"github.com/sagernet/sing-expose/option"
	"github.com/sagernet/sing-expose/protocol/tcp"
	"github.com/sagernet/sing-expose/protocol/udp"
	"github.com/sagernet/sing-expose/route"
	"github.com/sagernet/sing-expose/service/control"
	"github.com/sagernet/sing-expose/service/ingress"
	"github.com/sagernet/sing-expose/service/webapi"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	F "github.com/sagernet/sing/common/format"
)

type Box struct {
	createdAt       time.Time
	ctx             context.Context
	cancel          context.CancelFunc
	logFactory      log.ObservableFactory
	logger          log.ContextLogger
	store           *store.Store
	router          *route.Router
	tcp             *tcp.Engine
	udp             *udp.Engine
	control         *control.Handler
	ingress         *ingress.Ingress
	listeners       []*listener
	internalService []adapter.LifecycleService
	done            chan struct{}
}

type Options struct {
	option.Options
	Context context.Context
}

func New(options Options) (*Box, error) {
	createdAt := time.Now()
	ctx := options.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	experimentalOptions := common.PtrValueOrDefault(options.Experimental)
	logFactory, err := log.New(log.Options{
		Context:    ctx,
		Options:    common.PtrValueOrDefault(options.Log),
		Observable: experimentalOptions.AdminAPI != nil,
		BaseTime:   createdAt,
	})
	if err != nil {
		cancel()
		return nil, E.Cause(err, "create log factory")
	}
	box, err := newBox(ctx, createdAt, logFactory, options.Options)
	if err != nil {
		cancel()
		common.Close(logFactory)
		return nil, err
	}
	box.cancel = cancel
	return box, nil
}

func newBox(ctx context.Context, createdAt time.Time, logFactory log.ObservableFactory, options option.Options) (*Box, error) {
	serverOptions := options.Server
	serverOptions.ApplyDefaults()
	experimentalOptions := common.PtrValueOrDefault(options.Experimental)

	var internalServices []adapter.LifecycleService
	var tracker adapter.Tracker
	if experimentalOptions.Metrics != nil {
		metricsServer, err := metrics.NewServer(logFactory.NewLogger("metrics"), *experimentalOptions.Metrics)
		if err != nil {
			return nil, E.Cause(err, "create metrics server")
		}
		tracker = metricsServer
		internalServices = append(internalServices, adapter.NewLifecycleService(metricsServer, "metrics api", adapter.StartStateStart))
	}
	tracker = adapter.TrackerOrNop(tracker)

	sharedStore, err := store.New(options.Store, time.Duration(serverOptions.PresenceTTL))
	if err != nil {
		return nil, E.Cause(err, "create store")
	}
	router := route.NewRouter(ctx, route.Options{
		Logger:            logFactory.NewLogger("router"),
		Store:             sharedStore,
		Tracker:           tracker,
		HeartbeatInterval: time.Duration(serverOptions.HeartbeatInterval),
	})
	gate := bandwidth.NewGate(sharedStore, logFactory.NewLogger("bandwidth"))
	tcpEngine, err := tcp.NewEngine(ctx, tcp.Options{
		Logger:    logFactory.NewLogger("tcp"),
		Address:   serverOptions.ProxyAddress,
		PortRange: serverOptions.TCPPortRange,
		Gate:      gate,
		Tracker:   tracker,
	})
	if err != nil {
		return nil, E.Cause(err, "create tcp engine")
	}
	udpEngine, err := udp.NewEngine(ctx, udp.Options{
		Logger:        logFactory.NewLogger("udp"),
		Address:       serverOptions.ProxyAddress,
		PortRange:     serverOptions.UDPPortRange,
		Gate:          gate,
		Tracker:       tracker,
		ClientTimeout: time.Duration(serverOptions.UDPClientTimeout),
		SweepInterval: time.Duration(serverOptions.UDPSweepInterval),
		MappingSize:   serverOptions.PacketMappingSize,
		MappingTTL:    time.Duration(serverOptions.PacketMappingTTL),
	})
	if err != nil {
		return nil, E.Cause(err, "create udp engine")
	}
	webAPI, err := webapi.New(logFactory.NewLogger("webapi"), serverOptions.WebAPI)
	if err != nil {
		return nil, E.Cause(err, "create web api client")
	}
	controlHandler := control.NewHandler(ctx, control.Options{
		Logger:         logFactory.NewLogger("control"),
		Router:         router,
		TCP:            tcpEngine,
		UDP:            udpEngine,
		API:            webAPI,
		Tracker:        tracker,
		BaseDomain:     serverOptions.BaseDomain,
		PublicScheme:   serverOptions.PublicScheme,
		PublicPort:     serverOptions.PublicPort,
		HandshakeRate:  serverOptions.HandshakeRate,
		HandshakeBurst: serverOptions.HandshakeBurst,
	})
	publicIngress := ingress.New(ingress.Options{
		Logger:     logFactory.NewLogger("ingress"),
		Router:     router,
		Control:    controlHandler,
		Tracker:    tracker,
		BaseDomain: serverOptions.BaseDomain,
		Timeout:    time.Duration(serverOptions.RequestTimeout),
	})
	listeners := []*listener{
		newListener(logFactory.NewLogger("ingress"), serverOptions.Listen, publicIngress, nil),
	}
	if tlsOptions := serverOptions.TLS; tlsOptions != nil && tlsOptions.Enabled {
		tlsConfig, acmeService, err := ctls.NewACME(ctx, logFactory.NewLogger("acme"), tlsOptions.ACME, hostPolicy(publicIngress, router, serverOptions.BaseDomain))
		if err != nil {
			return nil, E.Cause(err, "create acme")
		}
		internalServices = append(internalServices, adapter.NewLifecycleService(acmeService, "acme", adapter.StartStatePostStart))
		tlsListen := tlsOptions.Listen
		if tlsListen == "" {
			tlsListen = "0.0.0.0:443"
		}
		listeners = append(listeners, newListener(logFactory.NewLogger("ingress"), tlsListen, publicIngress, tlsConfig))
	}
	if experimentalOptions.AdminAPI != nil {
		adminServer := adminapi.NewServer(router, logFactory, *experimentalOptions.AdminAPI)
		internalServices = append(internalServices, adapter.NewLifecycleService(adminServer, "admin api", adapter.StartStateStart))
	}
	return &Box{
		createdAt:       createdAt,
		ctx:             ctx,
		logFactory:      logFactory,
		logger:          logFactory.Logger(),
		store:           sharedStore,
		router:          router,
		tcp:             tcpEngine,
		udp:             udpEngine,
		control:         controlHandler,
		ingress:         publicIngress,
		listeners:       listeners,
		internalService: internalServices,
		done:            make(chan struct{}),
	}, nil
}

// hostPolicy limits on-demand certificates to the base domain and to names
// that currently route to a tunnel.
func hostPolicy(publicIngress *ingress.Ingress, router *route.Router, baseDomain string) ctls.HostPolicy {
	return func(name string) bool {
		key, isTunnel := publicIngress.RoutingKey(name)
		if !isTunnel {
			return name == baseDomain
		}
		_, loaded := router.Lookup(key)
		return loaded
	}
}

func (s *Box) Start() error {
	err := s.start()
	if err != nil {
		s.Close()
		return err
	}
	s.logger.Info("sing-expose started (", F.Seconds(time.Since(s.createdAt).Seconds()), "s)")
	return nil
}

func (s *Box) start() error {
	err := s.store.Start()
	if err != nil {
		return err
	}
	err = adapter.StartNamed(adapter.StartStateInitialize, s.internalService)
	if err != nil {
		return err
	}
	err = s.router.Start()
	if err != nil {
		return E.Cause(err, "start router")
	}
	err = s.udp.Start()
	if err != nil {
		return E.Cause(err, "start udp engine")
	}
	err = adapter.StartNamed(adapter.StartStateStart, s.internalService)
	if err != nil {
		return err
	}
	err = adapter.StartNamed(adapter.StartStatePostStart, s.internalService)
	if err != nil {
		return err
	}
	for _, stage := range []adapter.StartStage{adapter.StartStatePostStart, adapter.StartStateStarted} {
		err = adapter.Start(stage, common.Map(s.listeners, func(it *listener) adapter.Lifecycle { return it })...)
		if err != nil {
			return err
		}
	}
	return adapter.StartNamed(adapter.StartStateStarted, s.internalService)
}

func (s *Box) Close() error {
	select {
	case <-s.done:
		return os.ErrClosed
	default:
		close(s.done)
	}
	var err error
	for _, it := range s.listeners {
		err = E.Append(err, it.Close(), func(err error) error {
			return E.Cause(err, "close listener ", it.address)
		})
	}
	err = E.Append(err, common.Close(s.control, s.tcp, s.udp, s.router), func(err error) error {
		return E.Cause(err, "close tunnels")
	})
	for _, lifecycleService := range s.internalService {
		err = E.Append(err, lifecycleService.Close(), func(err error) error {
			return E.Cause(err, "close ", lifecycleService.Name())
		})
	}
	err = E.Append(err, s.store.Close(), func(err error) error {
		return E.Cause(err, "close store")
	})
	if s.cancel != nil {
		s.cancel()
	}
	err = E.Append(err, common.Close(s.logFactory), func(err error) error {
		return E.Cause(err, "close logger")
	})
	return err
}

func (s *Box) Router() *route.Router {
	return s.router
}

func (s *Box) Ingress() *ingress.Ingress {
	return s.ingress
}
