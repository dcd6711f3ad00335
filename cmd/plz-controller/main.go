// Command plz-controller runs the remote-execution controller: the
// HTTP surface (internal/httpapi) wired against either a Docker-local
// instance provider or an AWS EC2 fleet provider, a results store
// (Redis or SQLite), and an image registry.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"gopkg.in/natefinch/lumberjack.v2"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/goombaio/namegenerator"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/kwohlfahrt/plz-go/internal/containerrt"
	"github.com/kwohlfahrt/plz-go/internal/controller"
	"github.com/kwohlfahrt/plz-go/internal/ec2api"
	"github.com/kwohlfahrt/plz-go/internal/httpapi"
	"github.com/kwohlfahrt/plz-go/internal/instance"
	"github.com/kwohlfahrt/plz-go/internal/provider"
	"github.com/kwohlfahrt/plz-go/internal/registry"
	"github.com/kwohlfahrt/plz-go/internal/storage"
	"github.com/kwohlfahrt/plz-go/internal/volumes"
	"github.com/kwohlfahrt/plz-go/version"
)

// CLI is the top-level command tree, following the per-command struct
// shape cmd/sand's CLI uses (NewCmd, ShellCmd, ...), except this
// service has exactly one long-running command plus shell completion.
type CLI struct {
	Serve      ServeCmd           `cmd:"" default:"1" help:"run the controller HTTP server"`
	Completion kongcompletion.Cmd `cmd:"" help:"print shell completion scripts"`
}

// ServeCmd carries every field of controller.Config so that a YAML
// config file or flags can populate it interchangeably (kong-yaml
// resolves the same struct tags kong's own flag parser does).
type ServeCmd struct {
	controller.Config
}

func initSlog(cfg controller.Config) {
	var writer io.Writer = os.Stderr
	if cfg.LogFile != "" {
		writer = &lumberjack.Logger{
			Filename: cfg.LogFile,
			MaxSize:  cfg.LogMaxSizeMB,
			MaxAge:   28,
			Compress: true,
		}
	}
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(handler))
}

func buildStore(cfg controller.Config) (storage.Store, error) {
	switch cfg.StoreBackend {
	case "sqlite":
		return storage.NewSQLiteStore(cfg.SQLitePath)
	case "redis", "":
		return storage.NewRedisStore(cfg.RedisAddr), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func buildLocalProvider(ctx context.Context, cfg controller.Config) (provider.InstanceProvider, error) {
	rt, err := containerrt.NewDocker(cfg.DockerHost)
	if err != nil {
		return nil, fmt.Errorf("connect to local docker: %w", err)
	}
	// Give the single local instance a friendly, log-distinguishable id
	// instead of a literal "local", the way cmd/sand's NewCmd names a
	// fresh sandbox when the caller doesn't supply one.
	seed := time.Now().UTC().UnixNano()
	id := namegenerator.NewNameGenerator(seed).Generate()
	inst := instance.NewDockerInstance(id, rt, volumes.NewBuilder(rt.Client()))
	slog.Info("local docker instance ready", "instance_id", id)
	return provider.NewLocalProvider(ctx, inst, rt, cfg.DefaultMaxIdleSeconds)
}

func buildCloudProvider(ctx context.Context, cfg controller.Config, reg *registry.Registry) (provider.InstanceProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := ec2api.NewAWS(ec2.NewFromConfig(awsCfg))

	newInstance := func(vm ec2api.Instance) *instance.CloudInstance {
		// The client isn't dialed here, only configured to point at the
		// VM's own daemon over its private IP; actual reachability is
		// what CloudInstance.IsUp probes for before the VM is trusted.
		host := fmt.Sprintf("tcp://%s:2375", vm.PrivateIP)
		rt, err := containerrt.NewDocker(host)
		if err != nil {
			slog.WarnContext(ctx, "configure VM docker client", "instance_id", vm.InstanceID, "error", err)
		}
		delegate := instance.NewDockerInstance(vm.InstanceID, rt, volumes.NewBuilder(rt.Client()))
		return instance.NewCloudInstance(client, reg, vm.InstanceID, cfg.InstanceGroupID, delegate)
	}

	return provider.NewCloudProvider(client, reg, provider.CloudProviderConfig{
		GroupID:             cfg.InstanceGroupID,
		InstanceType:        cfg.InstanceType,
		AcquisitionDelay:    cfg.AcquisitionDelay,
		MaxAcquisitionTries: cfg.MaxAcquisitionTries,
	}, newInstance), nil
}

// Run wires the controller's dependencies together and blocks serving
// HTTP, mirroring how cmd/sand's per-command types each hold a Run
// method instead of main doing all the work inline.
func (s *ServeCmd) Run() error {
	cfg := s.Config
	initSlog(cfg)
	slog.Info("starting plz-controller", "version", version.Get())
	ctx := context.Background()

	// No exporter is wired up, so spans are created (and request
	// handling is traceable end to end with context propagation) but
	// dropped rather than shipped anywhere; this is the span API and
	// SDK doing real work without committing to a particular backend.
	tp := sdktrace.NewTracerProvider()
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			slog.Warn("tracer provider shutdown", "error", err)
		}
	}()
	otel.SetTracerProvider(tp)

	store, err := buildStore(cfg)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}

	dockerClient, err := containerrt.NewDocker(cfg.DockerHost)
	if err != nil {
		return fmt.Errorf("connect to local docker for registry builds: %w", err)
	}
	reg := registry.New(dockerClient.Client(), registry.Repository(cfg.RegistryRepository), registry.Anonymous{}, cfg.RegistryCredValid)

	var instProvider provider.InstanceProvider
	switch cfg.InstanceProvider {
	case "aws-ec2":
		instProvider, err = buildCloudProvider(ctx, cfg, reg)
	case "localhost", "":
		instProvider, err = buildLocalProvider(ctx, cfg)
	default:
		err = fmt.Errorf("unknown instance provider %q", cfg.InstanceProvider)
	}
	if err != nil {
		return fmt.Errorf("build instance provider: %w", err)
	}

	ctrl := controller.New(instProvider, reg, store, cfg.DefaultMaxIdleSeconds)
	server := httpapi.NewServer(ctrl)

	addr := fmt.Sprintf(":%d", cfg.Port)
	slog.Info("plz-controller listening", "addr", addr, "instance_provider", cfg.InstanceProvider)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return httpServer.ListenAndServe()
}

func main() {
	var cli CLI
	parser := kong.Must(&cli,
		kong.Configuration(kongyaml.Loader, "/etc/plz-controller/config.yaml", "~/.plz-controller.yaml"),
		kong.Description("Remote execution controller: schedules commands onto snapshot-built containers."),
	)
	kongcompletion.Register(parser)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	kctx.FatalIfErrorf(kctx.Run())
}
