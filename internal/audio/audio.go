// Package audio shells out to ffmpeg and ffprobe for the conversions the
// voice pipeline needs: raw microphone PCM in, normalized mp3 out.
package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Microphone capture format: 16-bit little-endian PCM, 16 kHz, mono.
const (
	pcmFormat  = "s16le"
	sampleRate = "16000"
	channels   = "1"
)

// PCMToWAV wraps a raw PCM capture into a WAV container so the transcription
// API can consume it.
func PCMToWAV(ctx context.Context, pcmPath, wavPath string) error {
	return runFFmpeg(ctx,
		"-y",
		"-f", pcmFormat,
		"-ar", sampleRate,
		"-ac", channels,
		"-i", pcmPath,
		wavPath,
	)
}

// NormalizeMP3 resamples synthesized speech for small playback hardware and
// boosts the volume, which the synthesis API tends to leave quiet.
func NormalizeMP3(ctx context.Context, inPath, outPath string) error {
	return runFFmpeg(ctx,
		"-y",
		"-i", inPath,
		"-ar", sampleRate,
		"-ac", channels,
		"-filter:a", "volume=1.5",
		outPath,
	)
}

// Duration returns the length of an audio file in seconds.
func Duration(ctx context.Context, path string) (float64, error) {
	out, err := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
}

func runFFmpeg(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, lastLine(stderr.String()))
	}
	return nil
}

// lastLine extracts the final non-empty stderr line, which is where ffmpeg
// puts the actual error.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
