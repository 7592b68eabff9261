package config

import (
	"os"
	"testing"
	"time"
)

func TestConfigLoad(t *testing.T) {
	originalGlobalConfig := GlobalConfig
	defer func() {
		GlobalConfig = originalGlobalConfig
	}()

	os.Setenv("LLM_PROVIDER", "test-llm")
	os.Setenv("LLM_API_KEY", "test-key")
	os.Setenv("ASR_PROVIDER", "google")
	os.Setenv("TTS_PROVIDER", "polly")
	os.Setenv("AUTH_LOCKOUT_THRESHOLD", "5")
	os.Setenv("SILENCE_TIMEOUT", "4s")

	defer func() {
		os.Unsetenv("LLM_PROVIDER")
		os.Unsetenv("LLM_API_KEY")
		os.Unsetenv("ASR_PROVIDER")
		os.Unsetenv("TTS_PROVIDER")
		os.Unsetenv("AUTH_LOCKOUT_THRESHOLD")
		os.Unsetenv("SILENCE_TIMEOUT")
	}()

	err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if GlobalConfig == nil {
		t.Fatal("GlobalConfig is nil")
	}
	if GlobalConfig.Services.LLM.Provider != "test-llm" {
		t.Errorf("Expected LLM provider 'test-llm', got '%s'", GlobalConfig.Services.LLM.Provider)
	}
	if GlobalConfig.Services.LLM.APIKey != "test-key" {
		t.Errorf("Expected LLM API key 'test-key', got '%s'", GlobalConfig.Services.LLM.APIKey)
	}
	if GlobalConfig.Services.ASR.Provider != "google" {
		t.Errorf("Expected ASR provider 'google', got '%s'", GlobalConfig.Services.ASR.Provider)
	}
	if GlobalConfig.Services.TTS.Provider != "polly" {
		t.Errorf("Expected TTS provider 'polly', got '%s'", GlobalConfig.Services.TTS.Provider)
	}
	if GlobalConfig.Outreach.LockoutThreshold != 5 {
		t.Errorf("Expected lockout threshold 5, got %d", GlobalConfig.Outreach.LockoutThreshold)
	}
	if GlobalConfig.Outreach.SilenceTimeout != 4*time.Second {
		t.Errorf("Expected silence timeout 4s, got %s", GlobalConfig.Outreach.SilenceTimeout)
	}
}

func TestOutreachDefaults(t *testing.T) {
	originalGlobalConfig := GlobalConfig
	defer func() {
		GlobalConfig = originalGlobalConfig
	}()

	if err := Load(); err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	o := GlobalConfig.Outreach
	if o.LockoutThreshold != 3 {
		t.Errorf("lockout threshold default = %d, want 3", o.LockoutThreshold)
	}
	if o.RequiredMatches != 2 {
		t.Errorf("required matches default = %d, want 2", o.RequiredMatches)
	}
	if o.SilenceTimeout != 6*time.Second {
		t.Errorf("silence timeout default = %s, want 6s", o.SilenceTimeout)
	}
	if o.TokenTTL != 2*time.Hour {
		t.Errorf("token TTL default = %s, want 2h", o.TokenTTL)
	}
	if o.SessionTTL != 24*time.Hour {
		t.Errorf("session TTL default = %s, want 24h", o.SessionTTL)
	}
	if o.FrameDuration != 20*time.Millisecond {
		t.Errorf("frame duration default = %s, want 20ms", o.FrameDuration)
	}
	if GlobalConfig.Services.TTS.SampleRate <= 0 {
		t.Errorf("TTS sample rate should be positive, got %d", GlobalConfig.Services.TTS.SampleRate)
	}
}

func TestConfigValidation(t *testing.T) {
	originalGlobalConfig := GlobalConfig
	defer func() {
		GlobalConfig = originalGlobalConfig
	}()

	os.Setenv("DSN", "test.db")
	os.Setenv("ADDR", ":8080")

	defer func() {
		os.Unsetenv("DSN")
		os.Unsetenv("ADDR")
	}()

	err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if err := GlobalConfig.Validate(); err != nil {
		t.Errorf("Config validation failed: %v", err)
	}

	bad := *GlobalConfig
	bad.Outreach.TokenTTL = 48 * time.Hour
	if err := bad.Validate(); err == nil {
		t.Error("expected validation error when token TTL outlives the session")
	}

	bad = *GlobalConfig
	bad.Outreach.RequiredMatches = 4
	if err := bad.Validate(); err == nil {
		t.Error("expected validation error for required matches above 3")
	}
}
