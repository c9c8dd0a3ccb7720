// Command director is Component M: the CLI entrypoint that wires every
// other component together and drives a manifest's instance batch through
// the VM Creator. Grounded on cmd/nova/main.go's cobra root plus
// persistent-flag/subcommand layout, and on its daemon.go's
// signal-handling loop, generalized from "keep VMs warm" to "cancel
// in-flight provisioning on SIGINT/SIGTERM."
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/oriys/stratus/internal/blobstore"
	"github.com/oriys/stratus/internal/bus"
	"github.com/oriys/stratus/internal/config"
	"github.com/oriys/stratus/internal/cpi"
	"github.com/oriys/stratus/internal/cpi/ec2cpi"
	"github.com/oriys/stratus/internal/cpi/firecrackercpi"
	"github.com/oriys/stratus/internal/domain"
	"github.com/oriys/stratus/internal/envelope"
	"github.com/oriys/stratus/internal/logging"
	"github.com/oriys/stratus/internal/metrics"
	"github.com/oriys/stratus/internal/observability"
	"github.com/oriys/stratus/internal/store"
	"github.com/oriys/stratus/internal/vmcreator"
	"github.com/oriys/stratus/internal/vmfactory"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "director",
		Short: "Stratus director - provisions VMs through a pluggable CPI",
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a director config file (YAML)")
	rootCmd.AddCommand(createCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func createCmd() *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create the VMs described by a manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			if manifestPath == "" {
				return fmt.Errorf("--manifest is required")
			}
			return runCreate(manifestPath)
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "path to an instance batch manifest (YAML)")
	cmd.MarkFlagRequired("manifest")
	return cmd
}

func runCreate(manifestPath string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.SetLevelFromString(cfg.Daemon.LogLevel)
	logging.SetJSON(cfg.Daemon.LogFormat == "json")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Op().Info("director: shutdown signal received, draining in-flight work")
		cfg.Cancel()
		stop()
	}()

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    "otlp-http",
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	var metricsServer *http.Server
	if cfg.Observability.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Global().Handler())
		metricsServer = &http.Server{Addr: cfg.Observability.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Op().Warn("director: metrics server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			metricsServer.Shutdown(shutdownCtx)
		}()
	}

	m, err := loadManifest(manifestPath)
	if err != nil {
		return err
	}

	pgStore, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pgStore.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Bus.RedisAddr, DB: cfg.Bus.RedisDB})
	defer redisClient.Close()
	transport := bus.NewRedisTransport(redisClient)

	var cipher *envelope.Cipher
	if cfg.Encryption.Enabled {
		cipher, err = envelope.NewCipher(cfg.Encryption.MasterKey)
		if err != nil {
			return fmt.Errorf("init envelope cipher: %w", err)
		}
	}
	env := envelope.New(cipher)
	blobs := blobstore.New(noopResourceManager{})

	backend, err := buildCPI(ctx, cfg)
	if err != nil {
		return err
	}

	factory := vmfactory.New(backend, pgStore, cfg)
	fleet := vmcreator.NewAgentFleet(transport, env, blobs, cfg.Cancelled)
	creator := vmcreator.New(factory, fleet, pgStore, noopDiskManager{}, vmcreator.NoopMetadataUpdater{}, cfg)

	plans, disksByPlan := m.buildPlans(defaultApplySpec)

	logging.Op().Info("director: creating vms", "deployment", m.DeploymentName, "count", len(plans))
	if err := creator.CreateForInstancePlans(ctx, plans, disksByPlan, noopIPProvider{}); err != nil {
		return fmt.Errorf("create instance plans: %w", err)
	}

	logging.Op().Info("director: all vms created", "deployment", m.DeploymentName, "count", len(plans))
	return nil
}

func buildCPI(ctx context.Context, cfg *config.Config) (cpi.CPI, error) {
	switch cfg.CPI.Backend {
	case config.CPIBackendEC2:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.CPI.EC2.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := ec2.NewFromConfig(awsCfg)
		return ec2cpi.New(client, cfg.CPI.EC2.InstanceType, cfg.CPI.EC2.SubnetID, cfg.CPI.EC2.SecurityGroupIDs), nil
	case config.CPIBackendFirecracker, "":
		return firecrackercpi.New(&cfg.CPI.Firecracker), nil
	default:
		return nil, fmt.Errorf("unknown cpi backend: %s", cfg.CPI.Backend)
	}
}

// defaultApplySpec renders the minimal apply spec an agent needs absent
// an external manifest renderer (spec.md §1 puts that out of scope).
func defaultApplySpec(ctx context.Context, inst *domain.Instance) (map[string]any, error) {
	return map[string]any{
		"deployment": inst.Deployment.Name,
		"job":        inst.Model.JobName,
		"index":      inst.Model.Index,
	}, nil
}

// noopDiskManager satisfies vmcreator.DiskManager. Real disk attachment
// mechanics are an external collaborator, out of scope per spec.md §1.
type noopDiskManager struct{}

func (noopDiskManager) AttachDisksFor(context.Context, *domain.Instance) error { return nil }

// noopIPProvider satisfies domain.IPProvider. Real IP allocation policy is
// an external collaborator, out of scope per spec.md §1.
type noopIPProvider struct{}

func (noopIPProvider) Release(context.Context, domain.IPReservation) error { return nil }

// noopResourceManager satisfies blobstore.ResourceManager. The real
// blobstore transport is an external collaborator, out of scope per
// spec.md §1.
type noopResourceManager struct{}

func (noopResourceManager) Get(context.Context, string) ([]byte, error) { return nil, nil }
func (noopResourceManager) Delete(context.Context, string) error        { return nil }
