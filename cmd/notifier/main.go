package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/pubsub"
	firebase "firebase.google.com/go"
	"github.com/gnur/bookdesk/notify"
	"github.com/gnur/bookdesk/store"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

type configuration struct {
	Database       string `default:"file://bookdesk.db"`
	Project        string `required:"true"`
	Env            string `default:"dev"`
	LogLevel       string `default:"info"`
	Version        string `default:"unknown"`
	TopicName      string `default:"notifications"`
	Subscription   string `default:"notifier"`
	MetricsAddress string `default:":9102"`
}

func main() {
	var cfg configuration
	err := envconfig.Process("bookdesk", &cfg)
	if err != nil {
		log.WithField("err", err).Fatal("Could not parse full config from environment")
	}

	logLevel, err := log.ParseLevel(cfg.LogLevel)
	if err == nil {
		log.SetLevel(logLevel)
	}
	logger := log.WithField("release", cfg.Version)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fb, err := firebase.NewApp(ctx, &firebase.Config{
		ProjectID: cfg.Project,
	})
	if err != nil {
		log.Fatalf("error initializing app: %v\n", err)
	}
	fcm, err := fb.Messaging(ctx)
	if err != nil {
		log.WithField("err", err).Fatal("could not create messaging client")
	}

	db, err := store.Open(ctx, cfg.Database, cfg.Env)
	if err != nil {
		log.WithField("err", err).Fatal("could not open database")
	}
	defer db.Close()

	client, err := pubsub.NewClient(ctx, cfg.Project)
	if err != nil {
		log.WithField("err", err).Fatal("could not create pubsub client")
	}
	defer client.Close()

	if cfg.MetricsAddress != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil {
				logger.WithField("err", err).Error("metrics listener stopped")
			}
		}()
	}

	// queued notifications have no open session to mirror to
	sender := notify.NewSender(fcm, db, nil, logger)

	log.Info("notifier is now running")
	err = notify.Consume(ctx, client, cfg.TopicName, cfg.Subscription, sender, logger)
	if err != nil {
		log.WithField("err", err).Fatal("receiving notifications failed")
	}
	log.Info("notifier stopped")
}
