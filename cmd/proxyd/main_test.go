package main

import (
	"context"
	"testing"

	"github.com/bardlex/gomproxy/internal/config"
	"github.com/bardlex/gomproxy/internal/database"
	"github.com/bardlex/gomproxy/internal/messaging"
	"github.com/bardlex/gomproxy/pkg/log"
)

func TestStoreConfig(t *testing.T) {
	tests := []struct {
		name         string
		cfg          config.Config
		wantPostgres bool
		wantRedis    bool
		wantInflux   bool
	}{
		{name: "nothing enabled", cfg: config.Config{}},
		{
			name:         "postgres only",
			cfg:          config.Config{PostgresEnabled: true, PostgresURL: "postgres://localhost/proxy"},
			wantPostgres: true,
		},
		{
			name:       "redis and influx",
			cfg:        config.Config{RedisEnabled: true, RedisAddr: "localhost:6379", InfluxEnabled: true, InfluxURL: "http://localhost:8086"},
			wantRedis:  true,
			wantInflux: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := storeConfig(&tt.cfg)
			if (got.Postgres != nil) != tt.wantPostgres {
				t.Errorf("Postgres = %v, want enabled=%v", got.Postgres, tt.wantPostgres)
			}
			if (got.Redis != nil) != tt.wantRedis {
				t.Errorf("Redis = %v, want enabled=%v", got.Redis, tt.wantRedis)
			}
			if (got.Influx != nil) != tt.wantInflux {
				t.Errorf("Influx = %v, want enabled=%v", got.Influx, tt.wantInflux)
			}
		})
	}

	cfg := &config.Config{PostgresEnabled: true, PostgresURL: "postgres://localhost/proxy", RedisEnabled: true, RedisAddr: "redis:6380", RedisDB: 3}
	got := storeConfig(cfg)
	if got.Postgres.URL != cfg.PostgresURL {
		t.Errorf("Postgres.URL = %q, want %q", got.Postgres.URL, cfg.PostgresURL)
	}
	if got.Redis.Addr != "redis:6380" || got.Redis.DB != 3 {
		t.Errorf("Redis = %+v", got.Redis)
	}
}

func TestBuildSinks(t *testing.T) {
	m, err := database.NewManager(context.Background(), &database.Config{}, log.Nop())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	if sinks := buildSinks(m, nil); len(sinks) != 0 {
		t.Errorf("buildSinks() with no stores = %d sinks, want 0", len(sinks))
	}

	kafkaClient := messaging.NewKafkaClient([]string{"localhost:9092"}, log.Nop())
	defer kafkaClient.Close()

	sinks := buildSinks(m, kafkaClient)
	if len(sinks) != 1 || sinks[0].Name() != "kafka" {
		t.Errorf("buildSinks() = %v, want the kafka sink only", sinks)
	}

	if sinks := buildSinks(nil, nil); len(sinks) != 0 {
		t.Errorf("buildSinks(nil) = %d sinks, want 0", len(sinks))
	}
}
