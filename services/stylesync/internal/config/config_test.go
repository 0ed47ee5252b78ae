package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const baseYAML = `
port: "8090"
cacheDir: /tmp/stylesync
databaseURL: postgres://localhost/styles
redisAddr: localhost:6379
minioEndpoint: localhost:9000
minioAccessKey: key
minioSecretKey: secret
minioBucket: styleai
authJWKSURL: https://id.example.test/jwks
authIssuer: https://id.example.test
authAudience: styleai-app
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("STYLESYNC_SYNC_STRATEGY", "")
	t.Setenv("STYLESYNC_CHANGE_FEED", "")
	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SyncStrategy != SyncInterval || cfg.ChangeFeed != FeedRedis {
		t.Fatalf("unexpected strategy/feed %q/%q", cfg.SyncStrategy, cfg.ChangeFeed)
	}
	if cfg.SyncIntervalMinutes != 1440 {
		t.Fatalf("sync interval = %d", cfg.SyncIntervalMinutes)
	}
	if cfg.HistoryMaxEntries == nil || *cfg.HistoryMaxEntries != 10 {
		t.Fatalf("history max entries = %v", cfg.HistoryMaxEntries)
	}
}

func TestLoadKeepsExplicitUnboundedHistory(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML+"historyMaxEntries: 0\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if *cfg.HistoryMaxEntries != 0 {
		t.Fatalf("explicit 0 was overridden: %d", *cfg.HistoryMaxEntries)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("STYLESYNC_SYNC_STRATEGY", "Listener")
	t.Setenv("STYLESYNC_TRUSTED_PROXIES", "10.0.0.0/8, 127.0.0.1")
	t.Setenv("STYLESYNC_GENERATED_IMAGE_HOSTS", "gen.example.test,cdn.example.test:8443")
	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisAddr != "redis:6380" || cfg.SyncStrategy != SyncListener {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[1] != "127.0.0.1" {
		t.Fatalf("trusted proxies = %v", cfg.TrustedProxies)
	}
	if len(cfg.GeneratedImageHosts) != 2 || cfg.GeneratedImageHosts[1] != "cdn.example.test:8443" {
		t.Fatalf("generated image hosts = %v", cfg.GeneratedImageHosts)
	}
}

func TestValidateConfig(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("AMQP_URL", "")
	cases := map[string]string{
		"port is required":    strings.Replace(baseYAML, `port: "8090"`, "", 1),
		"amqpURL is required": baseYAML + "changeFeed: amqp\n",
		"syncStrategy must":   baseYAML + "syncStrategy: hourly\n",
		"historyMaxEntries":   baseYAML + "historyMaxEntries: -1\n",
	}
	for want, body := range cases {
		_, err := Load(writeConfig(t, body))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error containing %q, got %v", want, err)
		}
	}
}

func TestPathHonorsEnv(t *testing.T) {
	t.Setenv("STYLESYNC_CONFIG", "/etc/stylesync.yaml")
	if Path() != "/etc/stylesync.yaml" {
		t.Fatalf("path = %q", Path())
	}
}
