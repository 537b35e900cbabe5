package cli

import (
	"fmt"

	"postflow/internal/automation"
	"postflow/internal/config"
	"postflow/internal/database"
	"postflow/internal/services"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"gorm.io/gorm"
)

// app holds what every subcommand needs: config, database and the service stack.
type app struct {
	cfg   *config.Config
	db    *gorm.DB
	stack *services.Stack
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := config.InitLogger(cfg); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	db, err := database.Open(cfg.Database, database.Options{Tracing: cfg.Monitoring.Tracing.Enabled})
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		database.Close(db)
		return nil, err
	}
	return &app{
		cfg:   cfg,
		db:    db,
		stack: services.NewStack(db, logrus.StandardLogger(), stackOptions(cfg)),
	}, nil
}

func (a *app) Close() {
	database.Close(a.db)
}

func stackOptions(cfg *config.Config) services.StackOptions {
	tag := language.English
	if cfg.Automation.Language != "" {
		parsed, err := language.Parse(cfg.Automation.Language)
		if err != nil {
			logrus.Warnf("Invalid automation.language '%s', using 'en'", cfg.Automation.Language)
		} else {
			tag = parsed
		}
	}
	return services.StackOptions{
		Mail: services.MailConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			FromName: cfg.SMTP.FromName,
			UseTLS:   cfg.SMTP.UseTLS,
		},
		Location: cfg.Automation.Location(),
		Site: automation.Site{
			Name:       cfg.Automation.Site.Name,
			URL:        cfg.Automation.Site.URL,
			AdminEmail: cfg.Automation.Site.AdminEmail,
		},
		DateFormat:   cfg.Automation.DateFormat,
		TimeFormat:   cfg.Automation.TimeFormat,
		Language:     tag,
		CacheTTL:     cfg.Automation.CacheTTL,
		EventTimeout: cfg.Automation.EventTimeout,
	}
}
