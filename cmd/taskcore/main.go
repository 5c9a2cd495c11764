package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/veilmesh/taskcore/pkg/audit"
	"github.com/veilmesh/taskcore/pkg/config"
	"github.com/veilmesh/taskcore/pkg/frontend"
	"github.com/veilmesh/taskcore/pkg/iam"
	"github.com/veilmesh/taskcore/pkg/log"
	"github.com/veilmesh/taskcore/pkg/management"
	"github.com/veilmesh/taskcore/pkg/scheduler"
	"github.com/veilmesh/taskcore/pkg/security"
	"github.com/veilmesh/taskcore/pkg/storage"
	"github.com/veilmesh/taskcore/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskcore",
	Short: "taskcore - multi-party task lifecycle engine for a confidential FaaS platform",
	Long: `taskcore manages the lifecycle of multi-party computation tasks:
function and file registration, data binding, participant approval,
invocation, and the scheduler-facing pull/report/heartbeat protocol.

It holds no attestation, execution, or transport logic of its own --
those are external collaborators reached through interfaces this
binary wires at startup.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("taskcore version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "taskcore.yaml", "Path to the enclave init config")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the management core and scheduler coupling in the foreground",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})
	logger := log.Global.WithComponent("main")

	handle, err := cfg.ReadMasterKeyHandle()
	if err != nil {
		return err
	}
	sealer, err := security.NewSealerFromMasterKeyHandle(handle)
	if err != nil {
		return err
	}

	store, err := storage.NewBoltStore(cfg.DataDir, sealer)
	if err != nil {
		return fmt.Errorf("open storage backend: %w", err)
	}
	defer store.Close()

	auditSink := audit.NewSink(store)
	authShim := iam.NewStaticIAM()
	core := management.New(store, auditSink, log.Global)
	coupling := scheduler.New(store, core, auditSink, log.Global)
	scheduler.MaxAttempts = cfg.MaxAttempts

	// The Frontend Gateway is the only thing in this process that ever
	// sees a raw (id, token) pair; everything past authenticate() talks
	// in terms of types.UserID. Bootstrap one platform-admin credential
	// on every start so there is a way in before any external IAM
	// service is wired up.
	gateway := frontend.New(authShim, core)
	bootstrapToken, err := authShim.IssueCredential("bootstrap-admin", types.RolePlatformAdmin, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("issue bootstrap credential: %w", err)
	}
	logger.Info(fmt.Sprintf("bootstrap admin credential issued for id=bootstrap-admin token=%s (valid 24h)", bootstrapToken))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go coupling.LeaseJanitor(ctx, 2*time.Second)
	defer coupling.Stop()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/v1/tasks/", adminGetTaskHandler(gateway))
		server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", err)
			}
		}()
		defer server.Close()
	}

	logger.Info("taskcore management core is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
	return nil
}

// adminGetTaskHandler exposes Gateway.GetTask over plain HTTP+JSON for
// local operation and smoke-testing. A production deployment would
// replace this with the attested mTLS transport the Gateway is built
// to sit behind; this handler exists so the Gateway, and the
// bootstrap credential issued above, have somewhere to be exercised
// from outside the process.
func adminGetTaskHandler(gateway *frontend.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, token, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "missing credentials", http.StatusUnauthorized)
			return
		}
		taskID, err := types.ParseExternalID(r.URL.Path[len("/v1/tasks/"):])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := gateway.GetTask(r.Context(), id, token, taskID)
		w.Header().Set("Content-Type", "application/json")
		if resp.Code != 0 {
			w.WriteHeader(http.StatusBadRequest)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}
