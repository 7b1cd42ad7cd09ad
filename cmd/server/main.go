package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	firebase "firebase.google.com/go"
	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"
	"github.com/gnur/bookdesk"
	"github.com/gnur/bookdesk/events"
	"github.com/gnur/bookdesk/identity"
	"github.com/gnur/bookdesk/notify"
	"github.com/gnur/bookdesk/store"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

type configuration struct {
	AdminEmail   string `default:""`
	AdminMode    string `default:"email"`
	Database     string `default:"file://bookdesk.db"`
	Project      string
	Env          string        `default:"dev"`
	LogLevel     string        `default:"info"`
	BindAddress  string        `default:"localhost:7132"`
	Version      string        `default:"unknown"`
	WebDir       string        `default:""`
	SessionTTL   time.Duration `default:"120h"`
	CookieSecure bool          `default:"true"`
	EventBuffer  int           `default:"16"`

	// TopicName routes admin notifications through pubsub when set;
	// otherwise they are sent to FCM directly.
	TopicName string `default:""`

	APIKey            string
	AuthDomain        string
	StorageBucket     string
	MessagingSenderID string
	AppID             string
	MeasurementID     string
	VapidKey          string
	DefaultIcon       string `default:"/default-icon.png"`
	ValidateTokens    bool   `default:"true"`
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

	policy, err := bookdesk.NewPolicy(cfg.AdminMode, cfg.AdminEmail)
	if err != nil {
		log.WithField("err", err).Fatal("invalid admin mode")
	}
	if policy.AdminEmail == "" {
		logger.Warning("no admin email configured, nobody can reach the admin pages")
	}

	ctx := context.Background()
	fb, err := firebase.NewApp(ctx, &firebase.Config{
		ProjectID: cfg.Project,
	})
	if err != nil {
		log.Fatalf("error initializing app: %v\n", err)
	}

	idp, err := identity.New(ctx, fb, cfg.APIKey)
	if err != nil {
		log.WithField("err", err).Fatal("could not create identity client")
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

	worker, err := notify.RenderWorker(notify.WebConfig{
		APIKey:            cfg.APIKey,
		AuthDomain:        cfg.AuthDomain,
		ProjectID:         cfg.Project,
		StorageBucket:     cfg.StorageBucket,
		MessagingSenderID: cfg.MessagingSenderID,
		AppID:             cfg.AppID,
		MeasurementID:     cfg.MeasurementID,
	}, cfg.DefaultIcon)
	if err != nil {
		log.WithField("err", err).Fatal("could not render service worker")
	}

	broker := events.NewBroker(cfg.EventBuffer, logger)
	sender := notify.NewSender(fcm, db, broker, logger)

	var dispatcher notify.Dispatcher = sender
	if cfg.TopicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.Project)
		if err != nil {
			log.WithField("err", err).Fatal("could not create pubsub client")
		}
		defer client.Close()
		q, err := notify.NewQueue(ctx, client, cfg.TopicName)
		if err != nil {
			log.WithField("err", err).Fatal("could not create notification queue")
		}
		defer q.Stop()
		dispatcher = q
	}

	app := bookdeskApp{
		db:         db,
		identity:   idp,
		policy:     policy,
		broker:     broker,
		registrar:  notify.NewRegistrar(db, cfg.VapidKey, logger),
		dispatcher: dispatcher,
		worker:     worker,
		logger:     logger,
		sessionTTL: cfg.SessionTTL,
		secure:     cfg.CookieSecure,
		cfg:        cfg,
	}
	if cfg.ValidateTokens {
		app.validator = fcm
	}

	r := app.router()

	log.Info("bookdesk is now running")
	port := os.Getenv("PORT")

	if port == "" {
		port = cfg.BindAddress
	} else {
		port = fmt.Sprintf(":%s", port)
	}

	if err := r.Run(port); err != nil {
		log.WithField("err", err).Fatal("server stopped")
	}
}

func (app *bookdeskApp) router() *gin.Engine {
	r := gin.New()
	r.Use(Logger(app.logger), gin.Recovery())

	if app.cfg.WebDir != "" {
		r.Use(static.Serve("/", static.LocalFile(app.cfg.WebDir, false)))
	}
	r.NoRoute(func(c *gin.Context) {
		path := c.Request.URL.RequestURI()
		if strings.HasPrefix(path, "/auth") || strings.HasPrefix(path, "/admin") || app.cfg.WebDir == "" {
			c.JSON(404, gin.H{
				"msg": "not found",
			})
			return
		}
		c.File(app.cfg.WebDir + "/index.html")
	})

	r.GET("/status", app.status)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/firebase-messaging-sw.js", app.serviceWorker)

	r.POST("/signup", app.signup)
	r.POST("/login", app.login)
	r.POST("/login/google", app.loginGoogle)
	r.POST("/logout", app.SessionMiddleware(), app.logout)

	auth := r.Group("/auth")
	auth.Use(app.SessionMiddleware(), app.mustBeSignedIn())
	{
		auth.GET("me", app.me)
		auth.GET("books", app.getBooks)
		auth.POST("books", app.addBook)
		auth.GET("notifications/config", app.notificationConfig)
		auth.POST("notifications/register", app.registerNotifications)
		auth.GET("events", app.streamEvents)
	}

	admin := r.Group("/admin")
	admin.Use(app.SessionMiddleware(), app.mustBeAdmin())
	{
		admin.GET("users", app.getUsers)
		admin.POST("users", app.addUser)
		admin.DELETE("users/:uid", app.deleteUser)
		admin.POST("users/:uid/admin", app.setAdmin)
		admin.GET("books", app.getAllBooks)
		admin.POST("notify", app.sendNotification)
	}

	return r
}
