package config

import (
	"testing"
	"time"
)

func TestLoad_DefaultsWithCredentials(t *testing.T) {
	t.Setenv("MINIO_ACCESS_KEY_ID", "key")
	t.Setenv("MINIO_SECRET_ACCESS_KEY", "secret")
	t.Setenv("BULK_BATCH_SIZE", "25")
	t.Setenv("MINIO_PRESIGN_TTL", "2h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bulk.BatchSize != 25 {
		t.Fatalf("batch size = %d", cfg.Bulk.BatchSize)
	}
	if cfg.Bulk.RowConcurrency != 8 || !cfg.Bulk.LocalFallback {
		t.Fatalf("unexpected bulk defaults: %+v", cfg.Bulk)
	}
	if cfg.MinIO.PresignTTL != 2*time.Hour {
		t.Fatalf("presign ttl = %v", cfg.MinIO.PresignTTL)
	}
	if cfg.MinIO.PublicEndpoint != "http://localhost:9000" {
		t.Fatalf("public endpoint = %q", cfg.MinIO.PublicEndpoint)
	}
	if cfg.Redis.Addr() != "localhost:6379" {
		t.Fatalf("redis addr = %q", cfg.Redis.Addr())
	}
	if cfg.Worker.MetricsPort != 9091 || cfg.Bulk.SubmitPerMinute != 30 {
		t.Fatalf("unexpected worker/bulk defaults: %+v %+v", cfg.Worker, cfg.Bulk)
	}
}

func TestLoad_RejectsMissingCredentials(t *testing.T) {
	t.Setenv("MINIO_ACCESS_KEY_ID", "")
	t.Setenv("MINIO_SECRET_ACCESS_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoad_RejectsUnknownLogFormat(t *testing.T) {
	t.Setenv("MINIO_ACCESS_KEY_ID", "key")
	t.Setenv("MINIO_SECRET_ACCESS_KEY", "secret")
	t.Setenv("LOG_FORMAT", "xml")

	if _, err := Load(); err == nil {
		t.Fatal("expected log format error")
	}
}

func TestLoad_ImageHostsFromCommaList(t *testing.T) {
	t.Setenv("MINIO_ACCESS_KEY_ID", "key")
	t.Setenv("MINIO_SECRET_ACCESS_KEY", "secret")
	t.Setenv("RENDER_IMAGE_HOSTS", "cdn.example.com,images.example.org")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Render.ImageHosts) != 2 || cfg.Render.ImageHosts[1] != "images.example.org" {
		t.Fatalf("image hosts = %q", cfg.Render.ImageHosts)
	}
}
