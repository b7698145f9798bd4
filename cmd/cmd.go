package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	paho_mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/greenfeld/cloudhawk-integration/internal/pkg/config"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/dispatcher"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/metrics"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/model"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/mower"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/mqtt"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/protocol"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/publisher"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/server"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/state"
	"github.com/greenfeld/cloudhawk-integration/internal/pkg/supervisor"
)

// MowerCommand is the entry point of the controller CLI command. It
// layers command line flags over the environment-derived config and
// starts all services.
func MowerCommand(ctx *cli.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if v := ctx.String("device-address"); v != "" {
		cfg.DeviceCfg.Address = v
	}
	if v := ctx.String("device-name"); v != "" {
		cfg.DeviceCfg.Name = v
	}
	if v := ctx.String("mqtt-host"); v != "" {
		cfg.MqttCfg.Host = v
	}
	if v := ctx.String("mqtt-user"); v != "" {
		cfg.MqttCfg.Username = v
	}
	if v := ctx.String("mqtt-pass"); v != "" {
		cfg.MqttCfg.Password = v
	}
	if ctx.IsSet("http-addr") {
		cfg.HTTPAddr = ctx.String("http-addr")
	}
	if ctx.IsSet("poll-interval") {
		cfg.DeviceCfg.PollInterval = ctx.Duration("poll-interval")
	}
	if ctx.IsSet("stale-after") {
		cfg.DeviceCfg.StaleAfter = ctx.Duration("stale-after")
	}
	if ctx.IsSet("response-window") {
		cfg.DeviceCfg.ResponseWindow = ctx.Duration("response-window")
	}
	if ctx.IsSet("log-level") {
		cfg.LogLevel = ctx.String("log-level")
	}
	if cfg.DeviceCfg.Address == "" {
		return errors.New("device address is required")
	}

	return run(ctx.Context, cfg)
}

func run(ctx context.Context, cfg *config.Config) error {
	errorChan := make(chan error, 1000)
	var err error

	eg, ctx := errgroup.WithContext(ctx)
	logCfg := zap.NewProductionConfig()

	logCfg.Level, err = zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logCfg.OutputPaths = []string{"stdout"}
	logCfg.ErrorOutputPaths = []string{"stdout"}
	logCfg.Sampling = nil
	logger := zap.Must(logCfg.Build(zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)))
	defer func() {
		_ = logger.Sync() // flushes buffer, if any.
	}()
	zap.ReplaceGlobals(logger)

	device := &model.Device{
		Address: cfg.DeviceCfg.Address,
		Name:    cfg.DeviceCfg.Name,
		Model:   "CloudHawk",
	}

	states := state.New()
	registry := prometheus.NewRegistry()
	m := metrics.New(registry, states.LastUpdatedAt)

	if cfg.MqttCfg.Host != "" {
		opts := paho_mqtt.NewClientOptions().
			AddBroker(cfg.MqttCfg.Host).
			SetUsername(cfg.MqttCfg.Username).
			SetPassword(cfg.MqttCfg.Password).
			SetClientID("cloudhawk-controller").
			SetAutoReconnect(true)
		mqttSvc := mqtt.New(paho_mqtt.NewClient(opts))
		if err := mqttSvc.Connect(); err != nil {
			return err
		}
		if err := publisher.RegisterPublisher("mqtt", mqttSvc); err != nil {
			return err
		}
		if err := publisher.RegisterDevice(device); err != nil {
			return err
		}
	}

	mowerSvc := mower.New(device, states, m)

	sup := supervisor.New(mowerSvc,
		supervisor.WithRefreshInterval(cfg.DeviceCfg.PollInterval),
		supervisor.WithStaleAfter(cfg.DeviceCfg.StaleAfter),
		supervisor.OnTransition(func(st supervisor.State) {
			m.SetConnectionState(string(st))
		}),
	)

	commands := &meteredDispatcher{
		inner:   dispatcher.New(mowerSvc, states, dispatcher.WithResponseWindow(cfg.DeviceCfg.ResponseWindow)),
		metrics: m,
	}

	srv := server.New(mowerSvc, commands, sup, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	eg.Go(func() error {
		return sup.Run(ctx)
	})

	eg.Go(func() error {
		return srv.Run(ctx)
	})

	eg.Go(func() error {
		httpSrv := &http.Server{
			Handler:      srv.Router(),
			Addr:         cfg.HTTPAddr,
			WriteTimeout: 15 * time.Second,
			ReadTimeout:  15 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		return cronClockSync(ctx, mowerSvc, errorChan)
	})

	eg.Go(func() error {
		// handle any async errors from the services
		for {
			select {
			case err := <-errorChan:
				if errors.Is(err, errCron) {
					logger.Error("cron error", zap.Error(err))
					continue
				}
				return err
			case <-ctx.Done():
				logger.Info("context done")
				return ctx.Err()
			}
		}
	})

	return eg.Wait()
}

var errCron = errors.New("cron error")

type clockSyncer interface {
	SyncClock(ctx context.Context, now time.Time) error
}

// cronClockSync pushes the host date and time to the mower nightly so its
// schedule does not drift.
func cronClockSync(ctx context.Context, syncer clockSyncer, errChan chan error) error {
	c := cron.New()
	if _, err := c.AddFunc("17 3 * * *", func() {
		if err := syncer.SyncClock(context.Background(), time.Now()); err != nil {
			zap.L().Warn("clock sync failed", zap.Error(err))
			errChan <- errCron
			return
		}
		zap.L().Info("clock sync completed")
	}); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	c.Run()
	return nil
}

// meteredDispatcher counts command outcomes on the way through.
type meteredDispatcher struct {
	inner   *dispatcher.Dispatcher
	metrics *metrics.Metrics
}

func (d *meteredDispatcher) Submit(ctx context.Context, cmd protocol.Command) dispatcher.Result {
	res := d.inner.Submit(ctx, cmd)
	d.metrics.Commands.WithLabelValues(string(cmd), string(res.Outcome)).Inc()
	return res
}
