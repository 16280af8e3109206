package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"gb28181-restreamer/pkg/config"
	"gb28181-restreamer/pkg/media"
	"gb28181-restreamer/pkg/messaging"
	"gb28181-restreamer/pkg/metrics"
	"gb28181-restreamer/pkg/recording"
	"gb28181-restreamer/pkg/sip"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	logger.SetLevel(cfg.LogLevel)

	m := metrics.New(logger)

	publisher := messaging.NewPublisher(logger, cfg.AMQPUrl, cfg.AMQPQueueName)
	if publisher.Enabled() {
		if err := publisher.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP broker unreachable, events will be retried")
		}
	}

	index, err := recording.OpenSQLite(cfg.RecordingDBPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open recording index")
	}

	relay := media.NewRTSPRelay(logger, m)
	engine := sip.NewEngine(cfg, logger, relay, index, m, publisher)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start engine")
	}

	if cfg.MetricsEnabled {
		go m.Serve(cfg.MetricsPort)
	}

	logger.WithFields(logrus.Fields{
		"device_id": cfg.DeviceID,
		"platform":  cfg.PlatformURI(),
		"transport": cfg.Transport,
	}).Info("GB28181 restreamer running")

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	engine.Shutdown(shutdownTimeout)
	if err := index.Close(); err != nil {
		logger.WithError(err).Warn("Closing recording index")
	}
	publisher.Close()
	logger.Info("Goodbye")
	os.Exit(0)
}
