package cmd

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nexserve/dispatch/dispatch"
)

var (
	logLevel string // Log verbosity level

	// Scheduler timing knobs
	epochSchedule  bool   // Enable the epoch scheduling pass
	beaconSec      uint32 // Beacon interval (seconds)
	epochSec       uint32 // Forced epoch interval (seconds)
	minEpochSec    uint32 // Minimum gap between triggered epochs (seconds)
	avgIntervalSec uint32 // Request-rate averaging window (seconds)
	keepaliveMiss  uint32 // Beacon intervals a node may miss before expiry

	// Transport knobs
	udpPort     int   // Datagram RPC port
	rpcPort     int   // Stream control RPC port
	udpThreads  int   // Number of UDP receive/worker pairs
	pinCPUs     []int // CPU affinity list, exactly 2*udp-threads entries
	metricsAddr string

	// Data files
	profileDBPath string
	staticWLPath  string
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Control-plane dispatcher for a multi-tenant GPU inference cluster",
}

// runCmd starts the dispatcher with parameters from CLI flags
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the dispatcher",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		if profileDBPath == "" {
			logrus.Fatalf("Model profile database not provided. Exiting.")
		}
		profiles, err := dispatch.LoadProfileDB(profileDBPath)
		if err != nil {
			logrus.Fatalf("Cannot load model profile database: %v", err)
		}

		statics := dispatch.NewStaticAssignments()
		if staticWLPath != "" {
			statics, err = dispatch.LoadStaticAssignments(staticWLPath)
			if err != nil {
				logrus.Fatalf("Cannot load static workloads: %v", err)
			}
		}

		if len(pinCPUs) != 0 && len(pinCPUs) != 2*udpThreads {
			logrus.Fatalf("UDP RPC thread affinity settings should contain exactly twice the number of threads (got %d, want %d)",
				len(pinCPUs), 2*udpThreads)
		}

		clock := dispatch.NewSystemClock()
		metrics := dispatch.NewMetrics(prometheus.DefaultRegisterer)
		dispatcher := dispatch.NewDispatcher(clock, profiles, statics, metrics, beaconSec)

		scheduler := dispatch.NewEpochScheduler(dispatcher, dispatch.SchedulerConfig{
			EpochScheduleEnabled: epochSchedule,
			BeaconIntervalSec:    beaconSec,
			EpochIntervalSec:     epochSec,
			MinEpochSec:          minEpochSec,
			AvgIntervalSec:       avgIntervalSec,
			KeepAliveMisses:      keepaliveMiss,
		})

		control, err := dispatch.NewControlServer(dispatcher, fmt.Sprintf(":%d", rpcPort))
		if err != nil {
			logrus.Fatalf("Cannot start control RPC: %v", err)
		}

		servers := make([]*dispatch.UDPServer, 0, udpThreads)
		for i := 0; i < udpThreads; i++ {
			rx, err := dispatch.ListenReusePort(udpPort)
			if err != nil {
				logrus.Fatalf("Cannot bind UDP port %d: %v", udpPort, err)
			}
			rxCPU, workerCPU := -1, -1
			if len(pinCPUs) > 0 {
				rxCPU, workerCPU = pinCPUs[i*2], pinCPUs[i*2+1]
			}
			server, err := dispatch.NewUDPServer(dispatcher, dispatch.JSONCodec{}, rx, rxCPU, workerCPU)
			if err != nil {
				logrus.Fatalf("Cannot start UDP server: %v", err)
			}
			servers = append(servers, server)
		}

		if metricsAddr != "" {
			go func() {
				http.Handle("/metrics", promhttp.Handler())
				if err := http.ListenAndServe(metricsAddr, nil); err != nil {
					logrus.Warnf("metrics listener: %v", err)
				}
			}()
		}

		go control.Run()
		for _, server := range servers {
			server.Run()
		}
		go scheduler.Run()

		logrus.Infof("Dispatcher running: udp=%d rpc=%d threads=%d epoch_schedule=%v",
			udpPort, rpcPort, udpThreads, epochSchedule)

		// Block until interrupted, then shut everything down in order.
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		<-sigs

		scheduler.Stop()
		for _, server := range servers {
			server.Stop()
		}
		control.Stop()
		dispatcher.Stop()
		logrus.Info("Dispatcher stopped.")
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")

	// Scheduler configs
	runCmd.Flags().BoolVar(&epochSchedule, "epoch-schedule", true, "Enable epoch scheduling")
	runCmd.Flags().Uint32Var(&beaconSec, "beacon", 1, "Beacon interval in seconds")
	runCmd.Flags().Uint32Var(&epochSec, "epoch", 30, "Forced epoch scheduling interval in seconds")
	runCmd.Flags().Uint32Var(&minEpochSec, "min-epoch", 5, "Minimum interval between triggered epochs in seconds")
	runCmd.Flags().Uint32Var(&avgIntervalSec, "avg-interval", 5, "Request-rate averaging window in seconds")
	runCmd.Flags().Uint32Var(&keepaliveMiss, "keepalive-misses", 3, "Beacon intervals a node may miss before it is expired")

	// Transport configs
	runCmd.Flags().IntVar(&udpPort, "udp-port", 7001, "Datagram RPC port")
	runCmd.Flags().IntVar(&rpcPort, "rpc-port", 7002, "Stream control RPC port")
	runCmd.Flags().IntVar(&udpThreads, "udp-threads", 1, "Number of UDP receive threads")
	runCmd.Flags().IntSliceVar(&pinCPUs, "pin-cpus", nil, "CPU affinity list, exactly 2*udp-threads entries (rx,worker pairs)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (empty disables)")

	// Data files
	runCmd.Flags().StringVar(&profileDBPath, "profile-db", "", "Model profile database (YAML)")
	runCmd.Flags().StringVar(&staticWLPath, "static-workloads", "", "Static workload assignments (YAML)")

	rootCmd.AddCommand(runCmd)
}
