package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/explorer/internal/api"
	"github.com/banshee-data/explorer/internal/config"
	"github.com/banshee-data/explorer/internal/db"
	"github.com/banshee-data/explorer/internal/gridmap"
	"github.com/banshee-data/explorer/internal/mapsaver"
	"github.com/banshee-data/explorer/internal/mission"
	"github.com/banshee-data/explorer/internal/motion"
	"github.com/banshee-data/explorer/internal/motorlink"
	"github.com/banshee-data/explorer/internal/pose"
	"github.com/banshee-data/explorer/internal/sim"
	"github.com/banshee-data/explorer/internal/statusbus"
	"github.com/banshee-data/explorer/internal/timeutil"
	"github.com/banshee-data/explorer/internal/version"
)

var (
	configPath   = flag.String("config", "", "Path to an explorer JSON config (defaults built in)")
	simMode      = flag.Bool("sim", true, "Run against the built-in simulated world")
	listen       = flag.String("listen", ":8080", "HTTP listen address")
	grpcListen   = flag.String("grpc-listen", ":50051", "gRPC health listen address (empty disables)")
	dbPath       = flag.String("db", "explorer.db", "Mission journal path (empty disables)")
	motorPort    = flag.String("motor-port", "/dev/ttyACM0", "Motor controller serial port")
	motorBaud    = flag.Int("motor-baud", 115200, "Motor controller baud rate")
	disableMotor = flag.Bool("disable-motor", false, "Run without the motor controller")
	mapTool      = flag.Bool("map-tool", false, "Also run the configured map saver command at shutdown")
)

func main() {
	flag.Parse()
	log.Printf("starting %s", version.String())

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if !*simMode {
		log.Fatal("no navigation backend configured: only the simulated world (-sim) is built in")
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	// a finished mission cancels everything else
	ctx, terminate := context.WithCancel(ctx)
	defer terminate()

	clock := timeutil.RealClock{}

	var journal *db.DB
	if *dbPath != "" {
		var err error
		if journal, err = db.NewDB(*dbPath); err != nil {
			log.Fatalf("failed to open mission journal: %v", err)
		}
		defer journal.Close()
	}

	var link motorlink.MotorLink
	if *disableMotor {
		link = motorlink.NewDisabled()
	} else {
		l, err := motorlink.Open(*motorPort, motorlink.PortOptions{BaudRate: *motorBaud})
		if err != nil {
			log.Fatalf("failed to open motor link: %v", err)
		}
		link = l
	}
	defer link.Close()

	world, err := sim.NewWorld(gridmap.MustParse(0.25, 0, 0, sim.DefaultWorld), pose.Pose2D{X: 1, Y: 1}, 2.5)
	if err != nil {
		log.Fatalf("failed to build simulated world: %v", err)
	}
	world.SetWarmup(2)
	grid := gridmap.NewMap()
	nav := sim.NewNavigator(world, sim.NavigatorConfig{Speed: 0.5}, clock)

	var poseSink pose.Sink
	if journal != nil {
		poseSink = journal
	}
	tracker := pose.NewTracker(pose.TrackerConfig{
		ReferenceFrame: cfg.GetReferenceFrame(),
		BodyFrame:      cfg.GetBodyFrame(),
		Interval:       cfg.GetPoseInterval(),
	}, world, clock, poseSink)

	controller := motion.NewController(motion.ConfigFrom(cfg), fanOut(world.VelocitySink(clock), link), clock)

	bus := statusbus.New(clock)
	var health *statusbus.HealthServer
	if *grpcListen != "" {
		health = statusbus.NewHealthServer(*grpcListen)
		bus.Observe(health.Observe)
		if err := health.Start(); err != nil {
			log.Fatalf("failed to start gRPC health server: %v", err)
		}
		defer health.Stop()
	}

	var persister mapsaver.Chain
	if *mapTool {
		persister = append(persister, mapsaver.NewSaver(cfg, mapsaver.ExecCommandBuilder{}))
	}
	if cfg.GetMapRender() {
		persister = append(persister, mapsaver.NewRenderer(cfg.GetMapSavePath(), grid, tracker))
	}

	deps := mission.Deps{
		Grid:      grid,
		Poses:     tracker,
		Selector:  mission.NewSelector(cfg),
		Navigator: nav,
		Status:    bus,
		Persister: persister,
		Clock:     clock,
		Terminate: terminate,
	}
	if journal != nil {
		deps.Journal = journal
	}
	explorer := mission.New(mission.ConfigFrom(cfg), deps)
	bus.SetMission(explorer.ID())

	var wg sync.WaitGroup
	goRun := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("%s stopped: %v", name, err)
			}
			log.Printf("%s routine terminated", name)
		}()
	}

	goRun("mapper", func(ctx context.Context) error {
		return world.RunMapper(ctx, clock, time.Second, grid)
	})
	goRun("navigator", nav.Run)
	goRun("pose tracker", tracker.Run)
	goRun("motion controller", controller.Run)
	goRun("motor link", link.Monitor)
	goRun("pendant", func(ctx context.Context) error {
		motorlink.RunPendant(ctx, link, controller)
		return nil
	})
	goRun("explorer", explorer.Run)

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		server := &api.Server{Mission: explorer, Motion: controller, Grid: grid}
		if journal != nil {
			server.History = journal
		}

		mux := http.NewServeMux()
		mux.Handle("/api/", server.Router())
		link.AttachAdminRoutes(mux)
		bus.AttachAdminRoutes(mux)
		if journal != nil {
			if err := journal.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach journal admin routes: %v", err)
			}
		}

		srv := &http.Server{Addr: *listen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := srv.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	<-ctx.Done()
	// a closed link unblocks tail readers
	bus.Close()
	link.Close()
	wg.Wait()

	select {
	case <-explorer.Done():
		log.Printf("mission %s complete: %s", explorer.ID(), explorer.Status().ShutdownReason)
	default:
		log.Printf("mission %s interrupted in state %s", explorer.ID(), explorer.State())
	}
	log.Printf("Graceful shutdown complete")
}

// fanOut publishes each velocity to every sink and returns the first error.
func fanOut(sinks ...motion.Sink) motion.Sink {
	return motion.SinkFunc(func(v motion.Velocity) error {
		var first error
		for _, s := range sinks {
			if err := s.PublishVelocity(v); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}
