package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"postflow/internal/automation"
	"postflow/internal/config"
	"postflow/internal/database"
	"postflow/internal/models"
	"postflow/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	cfgFile := flag.String("config", "", "config file (default is ./config.yml)")
	seed := flag.Bool("seed", false, "insert demo data after migrating")
	flag.Parse()

	// 读取配置文件并允许环境变量覆盖
	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	config.BindEnv(viper.GetViper())
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logrus.Fatalf("Failed to read config: %v", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}

	db, err := database.Open(cfg.Database, database.Options{LogLevel: logger.Info})
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(db)

	logrus.Info("Starting database migration...")
	if err := database.Migrate(db); err != nil {
		logrus.Fatalf("Failed to migrate database: %v", err)
	}
	logrus.Info("Database migration completed successfully!")

	if *seed {
		logrus.Info("Seeding default data...")
		if err := seedDefaultData(context.Background(), db, cfg, logrus.StandardLogger()); err != nil {
			logrus.Fatalf("Failed to seed data: %v", err)
		}
		logrus.Info("Default data seeded successfully!")
	}
}

// seedDefaultData 插入演示数据; 已存在的记录跳过
func seedDefaultData(ctx context.Context, db *gorm.DB, cfg *config.Config, log *logrus.Logger) error {
	var admin models.User
	if err := db.WithContext(ctx).Where("username = ?", "admin").First(&admin).Error; err != nil {
		admin = models.User{
			Username:    "admin",
			Email:       cfg.Automation.Site.AdminEmail,
			DisplayName: "Site Admin",
		}
		if admin.Email == "" {
			admin.Email = "admin@example.com"
		}
		if err := db.WithContext(ctx).Create(&admin).Error; err != nil {
			return err
		}
		log.Info("Created default admin user")
	}

	fields := services.NewFieldService(db, log)
	defs := []models.FieldDefinition{
		{PostType: "task", Key: "due_date", Label: "Due date", Type: "date"},
		{PostType: "task", Key: "priority", Label: "Priority", Type: "select", Options: `["low","normal","high"]`},
		{PostType: "task", Key: "reminder_count", Label: "Reminders sent", Type: "number"},
	}
	for i := range defs {
		if err := fields.SaveDefinition(ctx, &defs[i]); err != nil {
			return err
		}
	}

	var posts int64
	if err := db.WithContext(ctx).Model(&models.Post{}).Where("post_type = ?", "task").Count(&posts).Error; err != nil {
		return err
	}
	if posts == 0 {
		today := time.Now().In(cfg.Automation.Location())
		samples := []struct {
			title string
			due   time.Time
		}{
			{"Renew domain", today},
			{"Quarterly report", today.AddDate(0, 0, 3)},
			{"Archive old tickets", today.AddDate(0, 0, -2)},
		}
		postSvc := services.NewPostService(db, log, cfg.Automation.Site.URL)
		for _, s := range samples {
			p := &models.Post{
				PostType: "task",
				Title:    s.title,
				Status:   "publish",
				AuthorID: admin.ID,
				Meta: []models.PostMeta{
					{MetaKey: "due_date", MetaValue: s.due.Format("2006-01-02")},
					{MetaKey: "priority", MetaValue: "normal"},
				},
			}
			if err := postSvc.CreatePost(ctx, p); err != nil {
				return err
			}
		}
		log.Infof("Created %d sample tasks", len(samples))
	}

	automations := services.NewAutomationService(db, log)
	_, total, err := automations.List(ctx, services.AutomationQuery{PostType: "task"})
	if err != nil {
		return err
	}
	if total > 0 {
		return nil
	}
	remindActions, err := decodeActions(`[
		{"type": "send_email", "to": "{{author_email}}", "subject": "Due today: {{post_title}}", "body": "{{post_title}} is due {{due_date}}.\n\n{{post_url}}"},
		{"type": "increment_field", "field": "reminder_count"}
	]`)
	if err != nil {
		return err
	}
	escalateActions, err := decodeActions(`[
		{"type": "send_email", "to": "{{admin_email}}", "subject": "Escalated: {{post_title}}", "body": "{{post_title}} was raised to high priority."}
	]`)
	if err != nil {
		return err
	}
	examples := []services.AutomationRequest{
		{
			Name:     "Remind author on due date",
			PostType: "task",
			Trigger:  automation.Trigger{Type: automation.TriggerDateEqualsToday, Field: "due_date"},
			Actions:  remindActions,
			Settings: &automation.Settings{RunOncePerPost: true, LogExecutions: true, PreventLoops: true},
			Schedule: &automation.Schedule{Frequency: automation.FrequencyDaily, Time: "08:00"},
		},
		{
			Name:     "Escalate high priority",
			PostType: "task",
			Trigger:  automation.Trigger{Type: automation.TriggerFieldChangedTo, Field: "priority", Value: "high"},
			Actions:  escalateActions,
		},
	}
	for i := range examples {
		if _, err := automations.Create(ctx, &examples[i]); err != nil {
			return err
		}
	}
	log.Infof("Created %d example automations", len(examples))
	return nil
}

func decodeActions(raw string) ([]automation.Action, error) {
	var actions []automation.Action
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		return nil, fmt.Errorf("seed actions: %w", err)
	}
	return actions, nil
}
