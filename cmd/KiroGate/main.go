// Package main is the entry point of the KiroGate service.
// It loads configuration, initializes the zap logger and runs the Kratos
// application with the HTTP server and the background schedulers.
package main

import (
	"context"
	"flag"
	"os"

	"KiroGate/internal/conf"
	"KiroGate/pkg/crypto"
	zapLogger "KiroGate/pkg/log"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/robfig/cron/v3"

	_ "go.uber.org/automaxprocs"
)

// go build -ldflags "-X main.Version=x.y.z"
var (
	// Name is the name of the compiled software.
	Name = "KiroGate"
	// Version is the version of the compiled software.
	Version string
	// flagconf is the config flag.
	flagconf string

	hostname, _ = os.Hostname()
)

func init() {
	flag.StringVar(&flagconf, "conf", "", "config path, eg: -conf config.yaml")
}

func newApp(logger log.Logger, hs *http.Server, schedulers *cron.Cron) *kratos.App {
	return kratos.New(
		kratos.ID(hostname),
		kratos.Name(Name),
		kratos.Version(Version),
		kratos.Metadata(map[string]string{}),
		kratos.Logger(logger),
		kratos.Server(hs),
		kratos.BeforeStart(func(context.Context) error {
			schedulers.Start()
			return nil
		}),
		kratos.AfterStop(func(context.Context) error {
			<-schedulers.Stop().Done()
			return nil
		}),
	)
}

// newCryptoService creates the AES crypto service from config. A missing key
// disables encryption at rest.
func newCryptoService(auth *conf.Auth) (*crypto.AESCrypto, error) {
	if auth == nil || auth.Encryption == nil || auth.Encryption.Key == "" {
		return nil, nil
	}
	return crypto.NewAESCrypto([]byte(auth.Encryption.Key))
}

func main() {
	flag.Parse()

	bc, err := conf.NewBootstrap(flagconf)
	if err != nil {
		// Fallback logger; zap is not up yet.
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLog, err := zapLogger.NewZapLogger(bc.Log)
	if err != nil {
		log.Fatalf("failed to initialize zap logger: %v", err)
	}
	defer zapLog.Sync()

	logger := log.With(zapLogger.NewKratosAdapter(zapLog),
		"service.id", hostname,
		"service.name", Name,
		"service.version", Version,
	)

	log.NewHelper(logger).Infow(
		"msg", "KiroGate starting",
		"server_id", bc.Server.Id,
		"addr", bc.Server.Http.Addr,
		"workers", bc.Server.Workers,
		"worker_index", bc.Refresh.WorkerIndex,
		"refresh_disabled", bc.Refresh.Disabled,
		"log.level", bc.Log.Level,
	)

	app, cleanup, err := wireApp(bc, logger)
	if err != nil {
		panic(err)
	}
	defer cleanup()

	// start and wait for stop signal
	if err := app.Run(); err != nil {
		panic(err)
	}
}
