package main

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"
)

// ASRService transcribes an audio file to text.
type ASRService interface {
	RequestASR(ctx context.Context, inputFile string) (string, error)
}

// ChatService generates an assistant reply for a message with history.
type ChatService interface {
	RequestChat(ctx context.Context, message string, histories []ChatMessage) (string, error)
}

// TTSService synthesizes text to audio and returns the saved audio URL path.
// An empty voiceID selects the default voice.
type TTSService interface {
	RequestTTS(ctx context.Context, text, voiceID string) (string, error)
	AvailableVoices(ctx context.Context) []Voice
}

type backend struct {
	conf  *Config
	store *VisitorStore
	asr   ASRService
	chat  ChatService
	tts   TTSService
}

func newBackend(conf *Config, store *VisitorStore) *backend {
	return &backend{
		conf:  conf,
		store: store,
		asr:   NewOpenAIASRService(conf),
		chat:  NewOpenAIChatService(conf),
		tts:   NewElevenLabsTTSService(conf),
	}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrapf(err, "write response")
	}
	return nil
}

// clientAddr extracts the visitor's network address from the connection.
func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "127.0.0.1"
}

func deviceInfo(r *http.Request) string {
	if ua := r.Header.Get("User-Agent"); ua != "" {
		return ua
	}
	return "Unknown"
}

func (v *backend) handleTranscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	r.ParseMultipartForm(20 * 1024 * 1024)
	file, header, err := r.FormFile("file")
	if err != nil {
		return withStatus(http.StatusBadRequest, errors.Errorf("Error retrieving the file"))
	}
	defer file.Close()

	if !isSupportedAudio(header.Filename) {
		return withStatus(http.StatusBadRequest, errors.Errorf("Unsupported file format %v", header.Filename))
	}

	inputFile, err := saveUploadFile(v.conf, file, header.Filename)
	if err != nil {
		return errors.Wrapf(err, "save upload")
	}
	logger.Tf(ctx, "File saved to %v", inputFile)

	if strings.HasSuffix(inputFile, ".webm") {
		inputFile = convertWebmToWav(ctx, inputFile)
	}
	defer os.Remove(inputFile)

	text, err := v.asr.RequestASR(ctx, inputFile)
	if err != nil {
		return errors.Wrapf(err, "transcribe %v", header.Filename)
	}

	return writeJSON(ctx, w, struct {
		Text string `json:"text"`
	}{
		Text: text,
	})
}

func (v *backend) handleChat(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Message             string        `json:"message"`
		ConversationHistory []ChatMessage `json:"conversation_history"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return withStatus(http.StatusBadRequest, errors.Wrapf(err, "decode request"))
	}
	if req.Message == "" {
		return withStatus(http.StatusBadRequest, errors.Errorf("message is required"))
	}

	reply, err := v.chat.RequestChat(ctx, req.Message, req.ConversationHistory)
	if err != nil {
		return errors.Wrapf(err, "chat")
	}

	// Voice output is best effort, the conversational text is returned even
	// when synthesis is unavailable.
	var audioURL *string
	if url, err := v.tts.RequestTTS(ctx, reply, ""); err != nil {
		logger.Wf(ctx, "could not convert reply to speech: %v", err)
	} else {
		audioURL = &url
	}

	return writeJSON(ctx, w, struct {
		Response string  `json:"response"`
		AudioURL *string `json:"audio_url"`
	}{
		Response: reply, AudioURL: audioURL,
	})
}

func (v *backend) handleTextToSpeech(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Text    string `json:"text"`
		VoiceID string `json:"voice_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return withStatus(http.StatusBadRequest, errors.Wrapf(err, "decode request"))
	}
	if req.Text == "" {
		return withStatus(http.StatusBadRequest, errors.Errorf("text is required"))
	}

	url, err := v.tts.RequestTTS(ctx, req.Text, req.VoiceID)
	if stdErrors.Is(err, ErrCredentialMissing) || stdErrors.Is(err, ErrCredentialInvalid) {
		return withStatus(http.StatusUnauthorized, err)
	} else if err != nil {
		return errors.Wrapf(err, "text to speech")
	}

	return writeJSON(ctx, w, struct {
		AudioURL string `json:"audio_url"`
	}{
		AudioURL: url,
	})
}

func (v *backend) handleVoices(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return writeJSON(ctx, w, struct {
		Voices []Voice `json:"voices"`
	}{
		Voices: v.tts.AvailableVoices(ctx),
	})
}

func (v *backend) handleTrackVisitor(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	ipAddress, device := clientAddr(r), deviceInfo(r)

	record, err := v.store.UpsertVisit(ctx, ipAddress, device)
	if err != nil {
		logger.Wf(ctx, "track visitor %v failed: %v", ipAddress, err)
		return writeJSON(ctx, w, map[string]interface{}{
			"success": false, "error": "Failed to track visitor",
		})
	}

	total, err := v.store.TotalVisitors(ctx)
	if err != nil {
		logger.Wf(ctx, "total visitors failed: %v", err)
	}

	return writeJSON(ctx, w, map[string]interface{}{
		"success":        true,
		"visitor_id":     record.ID,
		"visit_count":    record.VisitCount,
		"total_visitors": total,
	})
}

// buttonFromPath parses the trailing {button} path segment, rejecting
// anything outside the closed set before the store is touched.
func buttonFromPath(r *http.Request, prefix string) (ButtonKind, error) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	button, err := parseButton(name)
	if err != nil {
		return "", withStatus(http.StatusBadRequest, err)
	}
	return button, nil
}

func (v *backend) handleCheckButtonUsage(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	button, err := buttonFromPath(r, "/api/voice/check-button-usage")
	if err != nil {
		return err
	}

	// Fail open: an unreachable store or a fresh visitor allows full usage.
	count, ok, err := v.store.GetButtonCount(ctx, clientAddr(r), deviceInfo(r), button)
	if err != nil {
		logger.Wf(ctx, "check %v usage failed, allow: %v", button, err)
	}
	if err != nil || !ok {
		count = 0
	}

	allowed, remaining := checkQuota(count, v.conf.ButtonUsageLimit)
	return writeJSON(ctx, w, struct {
		Allowed   bool `json:"allowed"`
		Remaining int  `json:"remaining"`
	}{
		Allowed: allowed, Remaining: remaining,
	})
}

func (v *backend) handleIncrementButtonUsage(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	button, err := buttonFromPath(r, "/api/voice/increment-button-usage")
	if err != nil {
		return err
	}

	record, err := v.store.IncrementButton(ctx, clientAddr(r), deviceInfo(r), button)
	if err != nil {
		logger.Wf(ctx, "increment %v usage failed: %v", button, err)
	}
	if err != nil || record == nil {
		return writeJSON(ctx, w, map[string]interface{}{
			"success": false, "error": "Failed to increment button count",
		})
	}

	// The increment is unconditional, only the usage check enforces the
	// ceiling, so the raw counter may exceed it.
	count := record.ButtonCount(button)
	_, remaining := checkQuota(count, v.conf.ButtonUsageLimit)
	return writeJSON(ctx, w, map[string]interface{}{
		"success":                              true,
		fmt.Sprintf("%v_button_count", button): count,
		"remaining":                            remaining,
	})
}

func (v *backend) handleHealth(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return writeJSON(ctx, w, struct {
		Status string `json:"status"`
	}{
		Status: "ok",
	})
}

func (v *backend) registerRoutes(ctx context.Context, mux *http.ServeMux) {
	handle := func(pattern string, h func(context.Context, http.ResponseWriter, *http.Request) error) {
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			ctx := logger.WithContext(ctx)
			if err := h(ctx, w, r); err != nil {
				logger.Ef(ctx, "Handle %v failed, err %+v", r.URL.Path, err)
				http.Error(w, err.Error(), statusOf(err))
			}
		})
	}

	handle("/api/voice/transcribe", v.handleTranscribe)
	handle("/api/voice/chat", v.handleChat)
	handle("/api/voice/text-to-speech", v.handleTextToSpeech)
	handle("/api/voice/voices", v.handleVoices)
	handle("/api/voice/stats", v.handleStats)
	handle("/api/voice/stats/live", v.handleLiveStats)
	handle("/api/voice/track-visitor", v.handleTrackVisitor)
	handle("/api/voice/check-button-usage/", v.handleCheckButtonUsage)
	handle("/api/voice/increment-button-usage/", v.handleIncrementButtonUsage)
	handle("/health", v.handleHealth)

	mux.Handle("/static/audio/", http.StripPrefix("/static/audio/",
		http.FileServer(http.Dir(v.conf.AudioOutputDir))))
}

func doMain(ctx context.Context) error {
	if err := godotenv.Overload(); err != nil {
		if !os.IsNotExist(err) {
			return errors.Wrapf(err, "load env")
		}
		logger.Tf(ctx, "no .env file, use process environment")
	}

	conf, err := loadConfig(ctx)
	if err != nil {
		return errors.Wrapf(err, "load config")
	}

	if dir := filepath.Dir(conf.DatabaseURL); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "create db dir %v", dir)
		}
	}
	store, err := NewVisitorStore(conf.DatabaseURL)
	if err != nil {
		return errors.Wrapf(err, "open visitor store")
	}
	defer store.Close()

	mux := http.NewServeMux()
	newBackend(conf, store).registerRoutes(ctx, mux)

	logger.Tf(ctx, "Listen at %v", conf.Listen)
	return http.ListenAndServe(conf.Listen, mux)
}

func main() {
	ctx := context.Background()
	if err := doMain(ctx); err != nil {
		logger.E(ctx, "Main error: %v", err)
		os.Exit(-1)
	}
}
