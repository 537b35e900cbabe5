package config

import (
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_DefaultsWithoutFile(t *testing.T) {
	v := viper.New()
	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, GetDefaultConfig(), cfg)
}

func TestLoadFrom_YAMLOverridesDefaults(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
server:
  port: 9000
database:
  driver: sqlite
  path: /tmp/postflow-test.db
automation:
  timezone: Europe/Berlin
  scheduler_interval: 90s
  site:
    name: Newsroom
smtp:
  host: mail.example.com
  port: 587
`)))

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/postflow-test.db", cfg.Database.DSN())
	assert.Equal(t, 90*time.Second, cfg.Automation.SchedulerInterval)
	assert.Equal(t, "Newsroom", cfg.Automation.Site.Name)
	assert.Equal(t, "admin@example.com", cfg.Automation.Site.AdminEmail, "unset nested keys keep defaults")
	assert.Equal(t, "mail.example.com", cfg.SMTP.Host)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.Equal(t, "Europe/Berlin", cfg.Automation.Location().String())
}

func TestLoadFrom_EnvironmentOverrides(t *testing.T) {
	t.Setenv("POSTFLOW_SERVER_PORT", "9191")
	t.Setenv("POSTFLOW_AUTOMATION_SITE_NAME", "From Env")
	v := viper.New()
	BindEnv(v)

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "From Env", cfg.Automation.Site.Name)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults are valid", func(c *Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "unsupported database driver"},
		{"sqlite needs a path", func(c *Config) { c.Database.Driver = "sqlite"; c.Database.Path = "" }, "database.path"},
		{"bad timezone", func(c *Config) { c.Automation.Timezone = "Mars/Olympus" }, "automation.timezone"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_PostgresDSN(t *testing.T) {
	d := GetDefaultConfig().Database
	assert.Equal(t, "host=localhost user=postgres password=password dbname=postflow port=5432 sslmode=disable TimeZone=UTC", d.DSN())
}
