package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"agentdesk/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSynthesizer_Disabled(t *testing.T) {
	for _, cfg := range []TTSConfig{
		{Provider: "none", APIKey: "k"},
		{Provider: "elevenlabs"},
		{},
	} {
		s, err := NewSynthesizer(TTSConfig{Provider: cfg.Provider, APIKey: cfg.APIKey, Logger: testLogger()})
		require.NoError(t, err)
		assert.Nil(t, s)
	}

	_, err := NewSynthesizer(TTSConfig{Provider: "polly", APIKey: "k", Logger: testLogger()})
	assert.Error(t, err)
}

func TestElevenLabs_Synthesize(t *testing.T) {
	var gotPath, gotKey string
	var gotBody elevenLabsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("xi-api-key")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("ID3fakeaudio"))
	}))
	defer srv.Close()

	s, err := NewSynthesizer(TTSConfig{Provider: "elevenlabs", APIBase: srv.URL, APIKey: "el-key", Logger: testLogger()})
	require.NoError(t, err)
	require.NotNil(t, s)

	audio, err := s.Synthesize(context.Background(), "Hello there.", domain.VoiceConfig{VoiceID: "voice123", Language: "en-GB", Speed: 2})
	require.NoError(t, err)
	assert.Equal(t, "audio/mpeg", audio.ContentType)
	assert.Equal(t, []byte("ID3fakeaudio"), audio.Data)

	assert.Equal(t, "/v1/text-to-speech/voice123", gotPath)
	assert.Equal(t, "el-key", gotKey)
	assert.Equal(t, "Hello there.", gotBody.Text)
	assert.Equal(t, "en", gotBody.LanguageCode)
	assert.Equal(t, 0.5, gotBody.VoiceSettings.Stability)
	assert.Equal(t, 0.75, gotBody.VoiceSettings.SimilarityBoost)
	assert.Equal(t, 1.2, gotBody.VoiceSettings.Speed)
}

func TestElevenLabs_Failures(t *testing.T) {
	t.Run("non-2xx", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"detail":"quota"}`, http.StatusUnauthorized)
		}))
		defer srv.Close()
		s, _ := NewSynthesizer(TTSConfig{Provider: "elevenlabs", APIBase: srv.URL, APIKey: "k", Logger: testLogger()})
		_, err := s.Synthesize(context.Background(), "hi", domain.VoiceConfig{})
		assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		s, _ := NewSynthesizer(TTSConfig{
			Provider: "elevenlabs", APIBase: srv.URL, APIKey: "k", Timeout: 30 * time.Millisecond, Logger: testLogger(),
		})
		_, err := s.Synthesize(context.Background(), "hi", domain.VoiceConfig{})
		assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	})

	t.Run("persistent 503", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "busy", http.StatusServiceUnavailable)
		}))
		defer srv.Close()
		s, _ := NewSynthesizer(TTSConfig{Provider: "elevenlabs", APIBase: srv.URL, APIKey: "k", Logger: testLogger()})
		_, err := s.Synthesize(context.Background(), "hi", domain.VoiceConfig{})
		assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("empty body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()
		s, _ := NewSynthesizer(TTSConfig{Provider: "elevenlabs", APIBase: srv.URL, APIKey: "k", Logger: testLogger()})
		_, err := s.Synthesize(context.Background(), "hi", domain.VoiceConfig{})
		assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	})
}

func TestOpenAITTS_Synthesize(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody openAITTSRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte("mp3"))
	}))
	defer srv.Close()

	s, err := NewSynthesizer(TTSConfig{
		Provider: "openai", APIBase: srv.URL + "/v1", APIKey: "sk-tts", DefaultVoiceID: "21m00Tcm4TlvDq8ikWAM", Logger: testLogger(),
	})
	require.NoError(t, err)

	audio, err := s.Synthesize(context.Background(), "Hi", domain.VoiceConfig{VoiceID: "nova"})
	require.NoError(t, err)
	assert.Equal(t, "audio/mpeg", audio.ContentType, "non-audio content types fall back to mpeg")
	assert.Equal(t, "Bearer sk-tts", gotAuth)
	assert.Equal(t, "/v1/audio/speech", gotPath)
	assert.Equal(t, "nova", gotBody.Voice)

	_, err = s.Synthesize(context.Background(), "Hi", domain.VoiceConfig{})
	require.NoError(t, err)
	assert.Equal(t, "alloy", gotBody.Voice)
}

func TestLanguageCode(t *testing.T) {
	assert.Equal(t, "en", languageCode("en-US"))
	assert.Equal(t, "pt", languageCode("pt_BR"))
	assert.Equal(t, "fr", languageCode("FR"))
	assert.Equal(t, "", languageCode(""))
}

func TestSynthesize_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("ID3mp3"))
	}))
	defer srv.Close()

	s, err := NewSynthesizer(TTSConfig{Provider: "openai", APIBase: srv.URL, APIKey: "k", Timeout: 2 * time.Second, Logger: testLogger()})
	require.NoError(t, err)
	audio, err := s.Synthesize(context.Background(), "hello", domain.VoiceConfig{})
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3mp3"), audio.Data)
	assert.Equal(t, int32(2), calls.Load())
}
