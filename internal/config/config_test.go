package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("PROMOTION_TTL_SECONDS", "")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
	if cfg.KafkaBrokers != nil {
		t.Fatalf("expected no brokers by default, got %v", cfg.KafkaBrokers)
	}
	if cfg.PromotionTTLSeconds != 20 {
		t.Fatalf("expected default promotion TTL 20, got %d", cfg.PromotionTTLSeconds)
	}
}

func TestLoadParsesBrokerList(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "10.0.0.1:9092, 10.0.0.2:9092 ,")

	cfg := Load()
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[0] != "10.0.0.1:9092" || cfg.KafkaBrokers[1] != "10.0.0.2:9092" {
		t.Fatalf("unexpected broker list %v", cfg.KafkaBrokers)
	}
}

func TestLoadRejectsBadNumericOverrides(t *testing.T) {
	t.Setenv("PROMOTION_TTL_SECONDS", "not-a-number")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "-5")

	cfg := Load()
	if cfg.PromotionTTLSeconds != 20 {
		t.Fatalf("expected the TTL to fall back to 20, got %d", cfg.PromotionTTLSeconds)
	}
	if cfg.AccessTokenTTLMinutes != 480 {
		t.Fatalf("expected the token TTL to fall back to 480, got %d", cfg.AccessTokenTTLMinutes)
	}
}
