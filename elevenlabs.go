package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ossrs/go-oryx-lib/logger"
)

const (
	modelMultilingual = "eleven_multilingual_v2"
	modelMonolingual  = "eleven_monolingual_v1"
)

// Voice is one entry of the vendor's voice list.
type Voice struct {
	VoiceID string `json:"voice_id"`
	Name    string `json:"name"`
}

type elevenLabsTTSService struct {
	conf        *Config
	client      *http.Client
	probeClient *http.Client
}

func NewElevenLabsTTSService(conf *Config) TTSService {
	return &elevenLabsTTSService{
		conf:   conf,
		client: &http.Client{},
		// The voice probe must stay lightweight, a slow probe would stall
		// every CJK synthesis with a custom voice.
		probeClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// containsCJK reports whether the text has any CJK unified ideographs, which
// the monolingual model pronounces poorly.
func containsCJK(text string) bool {
	for _, r := range text {
		if r >= 0x4e00 && r <= 0x9fff {
			return true
		}
	}
	return false
}

// RequestTTS synthesizes text and returns the URL path of the saved audio.
//
// CJK text selects the multilingual model, and a non-default voice is probed
// first because not every voice supports it; a failed probe silently falls
// back to the default voice. Afterwards a transport-level failure with a
// non-default voice is retried exactly once with the default voice, while
// mapped vendor rejections are deterministic and never retried.
func (v *elevenLabsTTSService) RequestTTS(ctx context.Context, text, voiceID string) (string, error) {
	if v.conf.ElevenLabsAPIKey == "" {
		return "", fmt.Errorf("%w: ELEVENLABS_API_KEY is not set", ErrCredentialMissing)
	}

	if voiceID == "" {
		voiceID = v.conf.DefaultVoiceID
	}

	hasCJK := containsCJK(text)
	if hasCJK && voiceID != v.conf.DefaultVoiceID {
		if !v.voiceExists(ctx, voiceID) {
			logger.Wf(ctx, "voice %v not found or not accessible, fallback to default %v", voiceID, v.conf.DefaultVoiceID)
			voiceID = v.conf.DefaultVoiceID
		}
	}

	model := modelMonolingual
	if hasCJK {
		model = modelMultilingual
	}
	logger.Tf(ctx, "TTS request, voice=%v, model=%v, cjk=%v, text=%vB", voiceID, model, hasCJK, len(text))

	data, retryable, err := v.synthesizeOnce(ctx, text, voiceID, model)
	if err != nil && retryable && voiceID != v.conf.DefaultVoiceID {
		logger.Wf(ctx, "TTS voice %v failed, retry with default %v: %v", voiceID, v.conf.DefaultVoiceID, err)
		data, _, err = v.synthesizeOnce(ctx, text, v.conf.DefaultVoiceID, model)
	}
	if err != nil {
		return "", err
	}

	return saveAudioResponse(v.conf, data)
}

// synthesizeOnce performs a single vendor call. retryable is true only for
// transport-level failures; mapped status codes are deterministic rejections.
func (v *elevenLabsTTSService) synthesizeOnce(ctx context.Context, text, voiceID, model string) (data []byte, retryable bool, err error) {
	url := fmt.Sprintf("%v/text-to-speech/%v/stream", v.conf.ElevenLabsBaseURL, voiceID)

	body, err := json.Marshal(map[string]interface{}{
		"text":     text,
		"model_id": model,
		"voice_settings": map[string]interface{}{
			"stability":        0.5,
			"similarity_boost": 0.75,
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: marshal request: %v", ErrUpstream, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("%w: create request: %v", ErrUpstream, err)
	}
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", v.conf.ElevenLabsAPIKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("%w: request tts: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return nil, false, fmt.Errorf("%w: the ELEVENLABS_API_KEY may be invalid or expired", ErrCredentialInvalid)
	case http.StatusForbidden:
		return nil, false, fmt.Errorf("%w: no permission to use voice %v with model %v", ErrVoiceNotPermitted, voiceID, model)
	case http.StatusNotFound:
		return nil, false, fmt.Errorf("%w: voice %v, please try a different voice", ErrVoiceNotFound, voiceID)
	case http.StatusUnprocessableEntity:
		return nil, false, fmt.Errorf("%w: voice %v may not support model %v", ErrInvalidSynthesisRequest, voiceID, model)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, false, fmt.Errorf("%w: tts status %v: %v", ErrUpstream, resp.StatusCode, string(msg))
	}

	if data, err = io.ReadAll(resp.Body); err != nil {
		return nil, true, fmt.Errorf("%w: read tts body: %v", ErrUpstream, err)
	}
	return data, false, nil
}

// voiceExists probes whether a voice is accessible. Any failure counts as
// not accessible, the caller substitutes the default voice.
func (v *elevenLabsTTSService) voiceExists(ctx context.Context, voiceID string) bool {
	url := fmt.Sprintf("%v/voices/%v", v.conf.ElevenLabsBaseURL, voiceID)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("xi-api-key", v.conf.ElevenLabsAPIKey)

	resp, err := v.probeClient.Do(req)
	if err != nil {
		logger.Wf(ctx, "probe voice %v: %v", voiceID, err)
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// AvailableVoices lists the vendor's voices. It never fails: on a missing
// credential, an unauthorized response or any other error it degrades to a
// single-element list with only the default voice.
func (v *elevenLabsTTSService) AvailableVoices(ctx context.Context) []Voice {
	defaultOnly := []Voice{{VoiceID: v.conf.DefaultVoiceID, Name: "Rachel (Default)"}}
	if v.conf.ElevenLabsAPIKey == "" {
		return defaultOnly
	}

	url := fmt.Sprintf("%v/voices", v.conf.ElevenLabsBaseURL)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return defaultOnly
	}
	req.Header.Set("xi-api-key", v.conf.ElevenLabsAPIKey)

	resp, err := v.client.Do(req)
	if err != nil {
		logger.Wf(ctx, "fetch voices: %v", err)
		return defaultOnly
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Wf(ctx, "fetch voices status %v, use default voice only", resp.StatusCode)
		return defaultOnly
	}

	var payload struct {
		Voices []Voice `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		logger.Wf(ctx, "decode voices: %v", err)
		return defaultOnly
	}
	return payload.Voices
}
