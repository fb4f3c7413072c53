package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDefaultVoice = "default-voice"

// fakeElevenLabs simulates the synthesis vendor. Voices listed in drop get
// their connection closed mid-request to produce a transport-level failure.
type fakeElevenLabs struct {
	mu          sync.Mutex
	probeCalls  []string
	synthCalls  []string
	synthModels []string

	probeStatus  int
	synthStatus  map[string]int
	drop         map[string]bool
	voicesStatus int
	voices       []Voice
}

func newFakeElevenLabs() *fakeElevenLabs {
	return &fakeElevenLabs{
		probeStatus:  http.StatusOK,
		synthStatus:  map[string]int{},
		drop:         map[string]bool{},
		voicesStatus: http.StatusOK,
	}
}

func (f *fakeElevenLabs) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.URL.Path == "/voices":
			w.WriteHeader(f.voicesStatus)
			json.NewEncoder(w).Encode(map[string]interface{}{"voices": f.voices})

		case strings.HasPrefix(r.URL.Path, "/voices/"):
			f.probeCalls = append(f.probeCalls, strings.TrimPrefix(r.URL.Path, "/voices/"))
			w.WriteHeader(f.probeStatus)

		case strings.HasPrefix(r.URL.Path, "/text-to-speech/"):
			voice := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/text-to-speech/"), "/stream")
			f.synthCalls = append(f.synthCalls, voice)

			var body struct {
				ModelID string `json:"model_id"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			f.synthModels = append(f.synthModels, body.ModelID)

			if f.drop[voice] {
				if hj, ok := w.(http.Hijacker); ok {
					if conn, _, err := hj.Hijack(); err == nil {
						conn.Close()
					}
				}
				return
			}
			if status := f.synthStatus[voice]; status != 0 {
				w.WriteHeader(status)
				return
			}
			w.Write([]byte("mp3-bytes"))

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestTTS(t *testing.T, fake *fakeElevenLabs, apiKey string) (TTSService, *Config) {
	t.Helper()

	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	conf := &Config{
		ElevenLabsAPIKey:  apiKey,
		ElevenLabsBaseURL: srv.URL,
		DefaultVoiceID:    testDefaultVoice,
		AudioOutputDir:    t.TempDir(),
	}
	return NewElevenLabsTTSService(conf), conf
}

func TestTTSCredentialMissing(t *testing.T) {
	fake := newFakeElevenLabs()
	tts, _ := newTestTTS(t, fake, "")

	_, err := tts.RequestTTS(context.Background(), "hello", "")
	assert.True(t, errors.Is(err, ErrCredentialMissing))
	assert.Empty(t, fake.synthCalls, "no network call without a credential")
}

func TestTTSSavesAudio(t *testing.T) {
	fake := newFakeElevenLabs()
	tts, conf := newTestTTS(t, fake, "key")

	url, err := tts.RequestTTS(context.Background(), "hello there", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "/static/audio/"))
	assert.True(t, strings.HasSuffix(url, ".mp3"))

	data, err := os.ReadFile(filepath.Join(conf.AudioOutputDir, filepath.Base(url)))
	require.NoError(t, err)
	assert.Equal(t, "mp3-bytes", string(data))

	assert.Equal(t, []string{testDefaultVoice}, fake.synthCalls)
	assert.Equal(t, []string{modelMonolingual}, fake.synthModels)
}

func TestTTSDefaultVoiceSkipsProbe(t *testing.T) {
	fake := newFakeElevenLabs()
	tts, _ := newTestTTS(t, fake, "key")

	_, err := tts.RequestTTS(context.Background(), "你好世界", "")
	require.NoError(t, err)
	assert.Empty(t, fake.probeCalls, "default voice is never probed")
	assert.Equal(t, []string{modelMultilingual}, fake.synthModels)
}

func TestTTSNonCJKSkipsProbe(t *testing.T) {
	fake := newFakeElevenLabs()
	tts, _ := newTestTTS(t, fake, "key")

	_, err := tts.RequestTTS(context.Background(), "plain english", "fancy-voice")
	require.NoError(t, err)
	assert.Empty(t, fake.probeCalls, "probe only happens for CJK text")
	assert.Equal(t, []string{"fancy-voice"}, fake.synthCalls)
	assert.Equal(t, []string{modelMonolingual}, fake.synthModels)
}

func TestTTSCJKProbeKeepsAccessibleVoice(t *testing.T) {
	fake := newFakeElevenLabs()
	tts, _ := newTestTTS(t, fake, "key")

	_, err := tts.RequestTTS(context.Background(), "你好", "fancy-voice")
	require.NoError(t, err)
	assert.Equal(t, []string{"fancy-voice"}, fake.probeCalls)
	assert.Equal(t, []string{"fancy-voice"}, fake.synthCalls)
	assert.Equal(t, []string{modelMultilingual}, fake.synthModels)
}

func TestTTSCJKProbeFailureFallsBack(t *testing.T) {
	fake := newFakeElevenLabs()
	fake.probeStatus = http.StatusNotFound
	tts, _ := newTestTTS(t, fake, "key")

	url, err := tts.RequestTTS(context.Background(), "你好", "fancy-voice")
	require.NoError(t, err)
	assert.NotEmpty(t, url)
	assert.Equal(t, []string{"fancy-voice"}, fake.probeCalls)
	assert.Equal(t, []string{testDefaultVoice}, fake.synthCalls,
		"failed probe silently substitutes the default voice")
}

func TestTTSStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrCredentialInvalid},
		{http.StatusForbidden, ErrVoiceNotPermitted},
		{http.StatusNotFound, ErrVoiceNotFound},
		{http.StatusUnprocessableEntity, ErrInvalidSynthesisRequest},
		{http.StatusTooManyRequests, ErrUpstream},
		{http.StatusInternalServerError, ErrUpstream},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			fake := newFakeElevenLabs()
			fake.synthStatus["fancy-voice"] = tt.status
			tts, _ := newTestTTS(t, fake, "key")

			_, err := tts.RequestTTS(context.Background(), "hello", "fancy-voice")
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, []string{"fancy-voice"}, fake.synthCalls,
				"status-code rejections are deterministic, never retried")
		})
	}
}

func TestTTSTransportFailureRetriesWithDefault(t *testing.T) {
	fake := newFakeElevenLabs()
	fake.drop["fancy-voice"] = true
	tts, _ := newTestTTS(t, fake, "key")

	url, err := tts.RequestTTS(context.Background(), "hello", "fancy-voice")
	require.NoError(t, err)
	assert.NotEmpty(t, url)
	assert.Equal(t, []string{"fancy-voice", testDefaultVoice}, fake.synthCalls)
}

func TestTTSTransportFailureRetryAlsoFails(t *testing.T) {
	fake := newFakeElevenLabs()
	fake.drop["fancy-voice"] = true
	fake.drop[testDefaultVoice] = true
	tts, _ := newTestTTS(t, fake, "key")

	_, err := tts.RequestTTS(context.Background(), "hello", "fancy-voice")
	assert.True(t, errors.Is(err, ErrUpstream))
	assert.Equal(t, []string{"fancy-voice", testDefaultVoice}, fake.synthCalls,
		"exactly one retry with the default voice")
}

func TestTTSTransportFailureDefaultVoiceNoRetry(t *testing.T) {
	fake := newFakeElevenLabs()
	fake.drop[testDefaultVoice] = true
	tts, _ := newTestTTS(t, fake, "key")

	_, err := tts.RequestTTS(context.Background(), "hello", "")
	assert.True(t, errors.Is(err, ErrUpstream))
	assert.Equal(t, []string{testDefaultVoice}, fake.synthCalls)
}

func TestAvailableVoices(t *testing.T) {
	defaultOnly := []Voice{{VoiceID: testDefaultVoice, Name: "Rachel (Default)"}}

	t.Run("no credential", func(t *testing.T) {
		tts, _ := newTestTTS(t, newFakeElevenLabs(), "")
		assert.Equal(t, defaultOnly, tts.AvailableVoices(context.Background()))
	})

	t.Run("unauthorized", func(t *testing.T) {
		fake := newFakeElevenLabs()
		fake.voicesStatus = http.StatusUnauthorized
		tts, _ := newTestTTS(t, fake, "key")
		assert.Equal(t, defaultOnly, tts.AvailableVoices(context.Background()))
	})

	t.Run("vendor down", func(t *testing.T) {
		fake := newFakeElevenLabs()
		srv := httptest.NewServer(fake.handler())
		conf := &Config{
			ElevenLabsAPIKey:  "key",
			ElevenLabsBaseURL: srv.URL,
			DefaultVoiceID:    testDefaultVoice,
			AudioOutputDir:    t.TempDir(),
		}
		srv.Close()
		tts := NewElevenLabsTTSService(conf)
		assert.Equal(t, defaultOnly, tts.AvailableVoices(context.Background()))
	})

	t.Run("full list", func(t *testing.T) {
		fake := newFakeElevenLabs()
		fake.voices = []Voice{
			{VoiceID: testDefaultVoice, Name: "Rachel"},
			{VoiceID: "fancy-voice", Name: "Fancy"},
		}
		tts, _ := newTestTTS(t, fake, "key")
		assert.Equal(t, fake.voices, tts.AvailableVoices(context.Background()))
	})
}

func TestContainsCJK(t *testing.T) {
	assert.False(t, containsCJK(""))
	assert.False(t, containsCJK("hello, world!"))
	assert.False(t, containsCJK("héllo wörld"))
	assert.True(t, containsCJK("你好"))
	assert.True(t, containsCJK("mixed 中文 text"))
}
