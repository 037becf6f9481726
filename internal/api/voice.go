package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/brooqs/openclaw-voice-server/internal/audio"
	"github.com/brooqs/openclaw-voice-server/internal/config"
	"github.com/brooqs/openclaw-voice-server/internal/gateway"
	"github.com/brooqs/openclaw-voice-server/internal/shared"
	"github.com/brooqs/openclaw-voice-server/internal/speech"
	"github.com/brooqs/openclaw-voice-server/internal/store"
)

const maxUploadBytes = 32 << 20

// Spoken when recognition produced no usable text.
const didNotUnderstandText = "Sorry, I didn't catch that."

// ExchangeFunc runs one message through a fresh gateway session and returns
// its outcome.
type ExchangeFunc func(ctx context.Context, message string) gateway.Outcome

// VoiceHandler implements the voice round trip: audio in, transcription,
// gateway exchange, synthesized audio out.
type VoiceHandler struct {
	cfg      *config.Config
	repo     store.Repository
	speech   *speech.Service
	exchange ExchangeFunc
	logger   *slog.Logger

	// Conversion hooks; tests swap these out where ffmpeg is unavailable.
	pcmToWAV  func(ctx context.Context, in, out string) error
	normalize func(ctx context.Context, in, out string) error
}

// NewVoiceHandler creates the voice handler.
func NewVoiceHandler(cfg *config.Config, repo store.Repository, svc *speech.Service, exchange ExchangeFunc, logger *slog.Logger) *VoiceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &VoiceHandler{
		cfg:       cfg,
		repo:      repo,
		speech:    svc,
		exchange:  exchange,
		logger:    logger.With("component", "voice-handler"),
		pcmToWAV:  audio.PCMToWAV,
		normalize: audio.NormalizeMP3,
	}
}

// RegisterRoutes registers voice routes.
func (h *VoiceHandler) RegisterRoutes(r chi.Router) {
	r.Post("/voice", h.HandleVoice)
	r.Get("/voice/history", h.History)
}

// HandleVoice accepts a raw PCM capture in the "audio" multipart field and
// responds with normalized mp3 speech. Gateway failures still produce spoken
// audio: every outcome text is user-presentable.
func (h *VoiceHandler) HandleVoice(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, _, err := r.FormFile("audio")
	if err != nil {
		Error(w, http.StatusBadRequest, "missing audio upload")
		return
	}
	defer file.Close()

	pcm, err := io.ReadAll(file)
	if err != nil {
		Error(w, http.StatusBadRequest, "unreadable audio upload")
		return
	}
	if len(pcm) == 0 {
		Error(w, http.StatusBadRequest, "empty audio upload")
		return
	}

	for _, dir := range []string{h.cfg.UploadDir, h.cfg.SavedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			h.logger.Error("failed to create audio directory", "dir", dir, "error", err)
			Error(w, http.StatusInternalServerError, "storage unavailable")
			return
		}
	}

	stamp := started.UnixMilli()
	rawPath := filepath.Join(h.cfg.UploadDir, fmt.Sprintf("upload_%d.raw", stamp))
	wavPath := filepath.Join(h.cfg.UploadDir, fmt.Sprintf("upload_%d.wav", stamp))
	ttsPath := filepath.Join(h.cfg.UploadDir, fmt.Sprintf("reply_%d.mp3", stamp))
	outPath := filepath.Join(h.cfg.UploadDir, fmt.Sprintf("reply_%d_norm.mp3", stamp))
	defer func() {
		for _, p := range []string{rawPath, wavPath, ttsPath, outPath} {
			os.Remove(p)
		}
	}()

	if err := os.WriteFile(rawPath, pcm, 0o644); err != nil {
		h.logger.Error("failed to stage upload", "error", err)
		Error(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	// Archive the capture for later inspection; failure is not fatal.
	archivePath := filepath.Join(h.cfg.SavedDir, fmt.Sprintf("esp32_audio_%d.raw", stamp))
	if err := os.WriteFile(archivePath, pcm, 0o644); err != nil {
		h.logger.Warn("failed to archive capture", "error", err)
	}

	if err := h.pcmToWAV(ctx, rawPath, wavPath); err != nil {
		h.logger.Error("audio conversion failed", "error", err)
		Error(w, http.StatusInternalServerError, "audio conversion failed")
		return
	}

	transcript, err := h.speech.Transcribe(ctx, wavPath)
	if err != nil {
		h.logger.Error("transcription failed", "error", err)
		Error(w, http.StatusBadGateway, "transcription failed")
		return
	}
	transcript = strings.TrimSpace(transcript)
	h.logger.Info("transcribed capture", "transcript", transcript)

	var replyText, outcomeKind string
	if transcript == "" {
		replyText = didNotUnderstandText
		outcomeKind = "empty_transcript"
	} else {
		outcome := h.exchange(ctx, transcript)
		if outcome.Retryable() {
			// The device was just paired; one fresh session should pass.
			h.logger.Info("retrying exchange after pairing", "kind", string(outcome.Kind))
			outcome = h.exchange(ctx, transcript)
		}
		replyText = shared.SanitizeSpokenText(outcome.Text)
		outcomeKind = string(outcome.Kind)
	}

	if err := h.speech.Synthesize(ctx, replyText, ttsPath); err != nil {
		h.logger.Error("speech synthesis failed", "error", err)
		Error(w, http.StatusBadGateway, "speech synthesis failed")
		return
	}
	if err := h.normalize(ctx, ttsPath, outPath); err != nil {
		h.logger.Error("audio normalization failed", "error", err)
		Error(w, http.StatusInternalServerError, "audio normalization failed")
		return
	}

	if seconds, err := audio.Duration(ctx, outPath); err == nil {
		h.logger.Info("reply audio ready", "seconds", seconds)
	}

	h.record(ctx, &store.Exchange{
		Transcript: transcript,
		Reply:      replyText,
		Outcome:    outcomeKind,
		DurationMs: time.Since(started).Milliseconds(),
	})

	w.Header().Set("Content-Type", "audio/mpeg")
	http.ServeFile(w, r, outPath)
}

// History returns recent exchanges, newest first.
func (h *VoiceHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer up to 500")
			return
		}
		limit = n
	}

	exchanges, err := h.repo.RecentExchanges(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to load history", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if exchanges == nil {
		exchanges = []*store.Exchange{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"exchanges": exchanges})
}

func (h *VoiceHandler) record(ctx context.Context, ex *store.Exchange) {
	if err := h.repo.RecordExchange(ctx, ex); err != nil {
		h.logger.Error("failed to record exchange", "error", err)
	}
}
