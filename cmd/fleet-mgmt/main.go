package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"

	"github.com/diwise/fleet-mgmt/internal/pkg/application/alerts"
	"github.com/diwise/fleet-mgmt/internal/pkg/application/commands"
	"github.com/diwise/fleet-mgmt/internal/pkg/application/devicemanagement"
	"github.com/diwise/fleet-mgmt/internal/pkg/application/signaling"
	"github.com/diwise/fleet-mgmt/internal/pkg/application/watchdog"
	"github.com/diwise/fleet-mgmt/internal/pkg/infrastructure/mailbox"
	"github.com/diwise/fleet-mgmt/internal/pkg/infrastructure/peer"
	"github.com/diwise/fleet-mgmt/internal/pkg/infrastructure/router"
	"github.com/diwise/fleet-mgmt/internal/pkg/presentation/api"
)

const serviceName string = "fleet-mgmt"

type flagType int
type flagMap map[flagType]string

const (
	listenAddress flagType = iota
	servicePort
	presetsFile
	tenants

	devmode
)

func defaultFlags() flagMap {
	return flagMap{
		listenAddress: "0.0.0.0",
		servicePort:   "8080",

		presetsFile: "/opt/diwise/config/presets.yaml",
		tenants:     "default",

		devmode: "false",
	}
}

func main() {
	ctx, flags := parseExternalConfig(context.Background(), defaultFlags())

	serviceVersion := buildinfo.SourceVersion()
	ctx, logger, cleanup := o11y.Init(ctx, serviceName, serviceVersion, "json")
	defer cleanup()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mbox, err := newMailbox(ctx, flags)
	exitIf(err, logger, "could not create or connect to mailbox")
	defer mbox.Close()

	messenger, err := messaging.Initialize(ctx, messaging.LoadConfiguration(ctx, serviceName, logger))
	exitIf(err, logger, "failed to init messenger")
	defer messenger.Close()

	cmdCfg, err := loadPresets(flags[presetsFile])
	exitIf(err, logger, "could not load command presets")

	devices := devicemanagement.New(mbox, messenger)
	registry := commands.New(mbox, messenger, cmdCfg)
	alertSvc := alerts.New(mbox, messenger)
	engine := signaling.New(mbox, registry, peer.Factory(peer.LoadConfiguration(ctx)))

	messenger.Start()

	err = devicemanagement.RegisterTopicMessageHandlers(messenger, devices)
	exitIf(err, logger, "failed to register topic message handlers")

	wd := watchdog.New(devices, alertSvc, strings.Split(flags[tenants], ","), watchdog.DefaultInterval)
	wd.Start(ctx)
	defer wd.Stop(ctx)

	r := router.New(serviceName)
	_, err = api.RegisterHandlers(ctx, r, devices, registry, alertSvc, engine)
	exitIf(err, logger, "failed to register handlers")

	apiPort := flags[listenAddress] + ":" + flags[servicePort]
	webServer := &http.Server{Addr: apiPort, Handler: r}

	go func() {
		logger.Info("starting to listen for incoming connections", "port", flags[servicePort])
		err := webServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to listen for incoming connections", "err", err.Error())
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = webServer.Shutdown(shutdownCtx)
	if err != nil {
		logger.Error("failed to shut down web server", "err", err.Error())
	}
}

func newMailbox(ctx context.Context, flags flagMap) (mailbox.Client, error) {
	if flags[devmode] == "true" {
		return mailbox.NewMemoryClient(), nil
	}
	return mailbox.Initialize(ctx, mailbox.LoadConfiguration(ctx))
}

func loadPresets(path string) (*commands.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &commands.Config{}, nil
		}
		return nil, err
	}

	return commands.NewConfig(f)
}

func parseExternalConfig(ctx context.Context, flags flagMap) (context.Context, flagMap) {
	// Allow environment variables to override certain defaults
	envOrDef := env.GetVariableOrDefault

	flags[listenAddress] = envOrDef(ctx, "LISTEN_ADDRESS", flags[listenAddress])
	flags[servicePort] = envOrDef(ctx, "SERVICE_PORT", flags[servicePort])
	flags[presetsFile] = envOrDef(ctx, "PRESETS_FILE", flags[presetsFile])
	flags[tenants] = envOrDef(ctx, "TENANTS", flags[tenants])

	apply := func(f flagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	// Allow command line arguments to override defaults and environment variables
	flag.Func("presets", "command presets configuration file", apply(presetsFile))
	flag.Func("devmode", "enable dev mode", apply(devmode))
	flag.Parse()

	return ctx, flags
}

func exitIf(err error, logger *slog.Logger, msg string, args ...any) {
	if err != nil {
		logger.With(args...).Error(msg, "err", err.Error())
		time.Sleep(2 * time.Second)
		os.Exit(1)
	}
}
