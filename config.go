package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"
)

// The fallback voice, Rachel. It is assumed to always exist, so it is never
// probed before use.
const defaultVoiceRachel = "21m00Tcm4TlvDq8ikWAM"

const defaultElevenLabsAPIURL = "https://api.elevenlabs.io/v1"

// Config is built once at startup and injected into the store and adapters.
// Nothing reads the environment after loadConfig returns.
type Config struct {
	OpenAIAPIKey  string
	OpenAIBaseURL string

	ElevenLabsAPIKey  string
	ElevenLabsBaseURL string
	DefaultVoiceID    string

	// Path of the SQLite database file.
	DatabaseURL string

	// Per-button quota ceiling enforced by the usage-check endpoints.
	ButtonUsageLimit int

	Listen         string
	UploadsDir     string
	AudioOutputDir string
}

func loadConfig(ctx context.Context) (*Config, error) {
	// Rewrite a bare host:port proxy to a full OpenAI-compatible base URL.
	filterProxyUrl := func(proxy string) string {
		if proxy == "" {
			return ""
		}

		var baseURL string
		if strings.Contains(proxy, "://") {
			baseURL = proxy
		} else {
			baseURL = fmt.Sprintf("https://%v", proxy)
		}

		if !strings.HasSuffix(baseURL, "/v1") {
			baseURL = fmt.Sprintf("%v/v1", baseURL)
		}
		return baseURL
	}
	getEnvDefault := func(envName, def string) string {
		if v := os.Getenv(envName); v != "" {
			return v
		}
		return def
	}

	conf := &Config{
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:     filterProxyUrl(os.Getenv("OPENAI_PROXY")),
		ElevenLabsAPIKey:  os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsBaseURL: getEnvDefault("ELEVENLABS_API_URL", defaultElevenLabsAPIURL),
		DefaultVoiceID:    getEnvDefault("DEFAULT_VOICE_ID", defaultVoiceRachel),
		DatabaseURL:       getEnvDefault("DATABASE_URL", "visitors.db"),
		ButtonUsageLimit:  5,
		Listen:            getEnvDefault("LISTEN", ":8000"),
		UploadsDir:        getEnvDefault("UPLOADS_DIR", "static/uploads"),
		AudioOutputDir:    getEnvDefault("AUDIO_OUTPUT_DIR", "static/audio"),
	}

	if v := os.Getenv("BUTTON_USAGE_LIMIT"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return nil, errors.Errorf("invalid BUTTON_USAGE_LIMIT %v", v)
		}
		conf.ButtonUsageLimit = limit
	}

	if conf.OpenAIAPIKey == "" {
		logger.Wf(ctx, "OPENAI_API_KEY not set, speech recognition and chat will not work")
	}
	if conf.ElevenLabsAPIKey == "" {
		logger.Wf(ctx, "ELEVENLABS_API_KEY not set, text to speech will not work")
	}

	for _, dir := range []string{conf.UploadsDir, conf.AudioOutputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "create dir %v", dir)
		}
	}

	logger.Tf(ctx, "Config, openai=<key=%vB, base=%v>, elevenlabs=<key=%vB, base=%v, voice=%v>, db=%v, limit=%v, listen=%v",
		len(conf.OpenAIAPIKey), conf.OpenAIBaseURL,
		len(conf.ElevenLabsAPIKey), conf.ElevenLabsBaseURL, conf.DefaultVoiceID,
		conf.DatabaseURL, conf.ButtonUsageLimit, conf.Listen,
	)
	return conf, nil
}
