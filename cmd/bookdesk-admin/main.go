package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/gnur/bookdesk"
	"github.com/gnur/bookdesk/store"
	"github.com/gofrs/uuid"
	"github.com/jaffee/commandeer"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
)

// Configuration holds the command line flags.
type Configuration struct {
	Database string `help:"Database to manage, firestore://<project> or file://<path>"`
	Env      string `help:"Environment namespace used for firestore collections"`
	List     bool   `help:"List all users"`
	Email    string `help:"Email of the user to change"`
	Grant    bool   `help:"Give the user admin rights"`
	Revoke   bool   `help:"Take admin rights away from the user"`
	Add      bool   `help:"Pre-provision the user if it doesn't exist yet"`
	Debug    bool   `help:"Enable debug logging?"`
}

var out io.Writer = os.Stdout

func newConfig() *Configuration {
	return &Configuration{
		Database: "file://bookdesk.db",
		Env:      "dev",
	}
}

func main() {
	customFormatter := new(log.TextFormatter)
	customFormatter.TimestampFormat = "15:04:05.999"
	customFormatter.FullTimestamp = true
	log.SetFormatter(customFormatter)

	err := commandeer.Run(newConfig())
	if err != nil {
		log.WithField("err", err).Fatal("failed")
	}
}

// Run opens the database and applies the requested changes.
func (cfg *Configuration) Run() error {
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	ctx := context.Background()
	db, err := store.Open(ctx, cfg.Database, cfg.Env)
	if err != nil {
		return err
	}
	defer db.Close()

	return cfg.apply(ctx, db)
}

func (cfg *Configuration) validate() error {
	if cfg.Grant && cfg.Revoke {
		return errors.New("grant and revoke are mutually exclusive")
	}
	if (cfg.Grant || cfg.Revoke || cfg.Add) && cfg.Email == "" {
		return errors.New("please provide the email of the user to change")
	}
	if !cfg.List && !cfg.Grant && !cfg.Revoke && !cfg.Add {
		return errors.New("nothing to do, use -list, -add, -grant or -revoke")
	}
	return nil
}

func (cfg *Configuration) apply(ctx context.Context, db store.Store) error {
	if cfg.Email != "" {
		email := bookdesk.NormalizeEmail(cfg.Email)
		u, err := db.GetUserByEmail(ctx, email)
		if err == bookdesk.ErrNotFound && cfg.Add {
			u = &bookdesk.User{
				UID:     uuid.Must(uuid.NewV4()).String(),
				Email:   email,
				IsAdmin: cfg.Grant,
				Created: time.Now(),
			}
			if err := db.SaveUser(ctx, u); err != nil {
				return fmt.Errorf("could not add %s: %w", email, err)
			}
			log.WithField("email", email).Info("added user")
		} else if err != nil {
			return fmt.Errorf("could not find %s: %w", email, err)
		}

		if cfg.Grant || cfg.Revoke {
			if err := db.SetAdmin(ctx, u.UID, cfg.Grant); err != nil {
				return fmt.Errorf("could not update %s: %w", email, err)
			}
			log.WithFields(log.Fields{
				"email":   email,
				"isAdmin": cfg.Grant,
			}).Info("updated admin status")
		}
	}

	if cfg.List {
		users, err := db.GetUsers(ctx)
		if err != nil {
			return err
		}
		admins, members := bookdesk.PartitionUsers(users)
		table := tablewriter.NewWriter(out)
		table.SetHeader([]string{"Email", "UID", "Admin", "Last seen"})
		table.SetBorder(false)
		for _, u := range append(admins, members...) {
			seen := "never"
			if !u.LastSeen.IsZero() {
				seen = u.LastSeen.Format(time.RFC3339)
			}
			table.Append([]string{u.Email, u.UID, strconv.FormatBool(u.IsAdmin), seen})
		}
		table.Render()
		return nil
	}
	return nil
}
