package speech

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brooqs/openclaw-voice-server/internal/config"
)

func testSpeechConfig() config.SpeechConfig {
	return config.SpeechConfig{
		APIKey:       "xi-test-key",
		VoiceID:      "voice-1",
		STTModel:     "scribe_v1",
		TTSModel:     "eleven_multilingual_v2",
		LanguageCode: "en",
		OutputFormat: "mp3_22050_32",
	}
}

func newTestClient(srvURL string) *ElevenLabsClient {
	c := NewElevenLabsClient(testSpeechConfig())
	c.baseURL = srvURL
	return c
}

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/speech-to-text", r.URL.Path)
		require.Equal(t, "xi-test-key", r.Header.Get("xi-api-key"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "scribe_v1", r.FormValue("model_id"))
		assert.Equal(t, "en", r.FormValue("language_code"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "clip.wav", hdr.Filename)

		json.NewEncoder(w).Encode(map[string]string{"text": "turn on the lights"})
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF fake wav"), 0o644))

	text, err := newTestClient(srv.URL).Transcribe(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "turn on the lights", text)
}

func TestTranscribe_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0o644))

	_, err := newTestClient(srv.URL).Transcribe(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestSynthesize(t *testing.T) {
	mp3 := []byte("ID3 fake mp3 bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/text-to-speech/voice-1", r.URL.Path)
		require.Equal(t, "mp3_22050_32", r.URL.Query().Get("output_format"))
		require.Equal(t, "xi-test-key", r.Header.Get("xi-api-key"))

		var body struct {
			Text          string `json:"text"`
			ModelID       string `json:"model_id"`
			VoiceSettings struct {
				Stability       float64 `json:"stability"`
				SimilarityBoost float64 `json:"similarity_boost"`
			} `json:"voice_settings"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello world", body.Text)
		assert.Equal(t, "eleven_multilingual_v2", body.ModelID)
		assert.InDelta(t, 0.5, body.VoiceSettings.Stability, 0.001)
		assert.InDelta(t, 0.75, body.VoiceSettings.SimilarityBoost, 0.001)

		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write(mp3)
	}))
	defer srv.Close()

	outPath := filepath.Join(t.TempDir(), "out", "reply.mp3")
	require.NoError(t, newTestClient(srv.URL).Synthesize(context.Background(), "hello world", outPath))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, mp3, got)
}

type fakeSTT struct{ text string }

func (f fakeSTT) Transcribe(ctx context.Context, filePath string) (string, error) {
	return f.text, nil
}

type fakeTTS struct{ gotText string }

func (f *fakeTTS) Synthesize(ctx context.Context, text, outPath string) error {
	f.gotText = text
	return os.WriteFile(outPath, []byte("audio"), 0o644)
}

func TestService_DelegatesToClients(t *testing.T) {
	tts := &fakeTTS{}
	svc := NewService(fakeSTT{text: "hi"}, tts)

	text, err := svc.Transcribe(context.Background(), "whatever.wav")
	require.NoError(t, err)
	assert.Equal(t, "hi", text)

	outPath := filepath.Join(t.TempDir(), "reply.mp3")
	require.NoError(t, svc.Synthesize(context.Background(), "spoken reply", outPath))
	assert.Equal(t, "spoken reply", tts.gotText)
}
