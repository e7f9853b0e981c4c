// Package media prepares uploaded audio/video for transcription.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Segment is one audio file handed to the provider. Duration is zero when unknown.
type Segment struct {
	Path     string
	Duration time.Duration
}

// Preparer turns a downloaded source file into one or more transcribable segments
// written under workDir.
type Preparer interface {
	Prepare(ctx context.Context, srcPath, workDir string) ([]Segment, error)
}

// Passthrough hands the source file to the provider unchanged.
type Passthrough struct{}

func (Passthrough) Prepare(_ context.Context, srcPath, _ string) ([]Segment, error) {
	return []Segment{{Path: srcPath}}, nil
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		if msg == "" {
			return stdout.String(), fmt.Errorf("%s: %w", filepath.Base(name), err)
		}
		return stdout.String(), fmt.Errorf("%s: %w: %s", filepath.Base(name), err, msg)
	}
	return stdout.String(), nil
}

// FFmpeg converts sources to 16 kHz mono PCM WAV and splits audio longer than
// MaxSegment into consecutive chunks.
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
	MaxSegment  time.Duration
	runner      commandRunner
}

func NewFFmpeg(ffmpegPath, ffprobePath string, maxSegment time.Duration) *FFmpeg {
	if ffprobePath == "" {
		ffprobePath = filepath.Join(filepath.Dir(ffmpegPath), "ffprobe")
	}
	return &FFmpeg{
		FFmpegPath:  ffmpegPath,
		FFprobePath: ffprobePath,
		MaxSegment:  maxSegment,
		runner:      execRunner{},
	}
}

func (f *FFmpeg) Prepare(ctx context.Context, srcPath, workDir string) ([]Segment, error) {
	wavPath := filepath.Join(workDir, "converted.wav")
	// ffmpeg -y -i input -acodec pcm_s16le -ac 1 -ar 16000 output.wav
	if _, err := f.runner.Run(ctx, f.FFmpegPath,
		"-y", "-i", srcPath,
		"-acodec", "pcm_s16le", "-ac", "1", "-ar", "16000",
		wavPath,
	); err != nil {
		return nil, fmt.Errorf("convert to wav: %w", err)
	}

	total, err := f.probeDuration(ctx, wavPath)
	if err != nil {
		return nil, err
	}

	plan := planSegments(total, f.MaxSegment)
	if len(plan) == 1 {
		return []Segment{{Path: wavPath, Duration: total}}, nil
	}

	segments := make([]Segment, 0, len(plan))
	for i, window := range plan {
		segPath := filepath.Join(workDir, fmt.Sprintf("segment_%03d.wav", i))
		if _, err := f.runner.Run(ctx, f.FFmpegPath,
			"-y",
			"-ss", formatSeconds(window.start),
			"-t", formatSeconds(window.length),
			"-i", wavPath,
			"-acodec", "pcm_s16le", "-ac", "1", "-ar", "16000",
			segPath,
		); err != nil {
			return nil, fmt.Errorf("split segment %d: %w", i, err)
		}
		segments = append(segments, Segment{Path: segPath, Duration: window.length})
	}
	return segments, nil
}

func (f *FFmpeg) probeDuration(ctx context.Context, path string) (time.Duration, error) {
	out, err := f.runner.Run(ctx, f.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("probe duration: %w", err)
	}
	return parseDuration(out)
}

func parseDuration(out string) (time.Duration, error) {
	raw := strings.TrimSpace(out)
	if raw == "" || raw == "N/A" {
		return 0, errors.New("probe duration: no duration reported")
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs < 0 || math.IsNaN(secs) {
		return 0, fmt.Errorf("probe duration: invalid value %q", raw)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

type window struct {
	start  time.Duration
	length time.Duration
}

// planSegments cuts total into consecutive windows of at most maxLen.
func planSegments(total, maxLen time.Duration) []window {
	if maxLen <= 0 || total <= maxLen {
		return []window{{start: 0, length: total}}
	}
	n := int((total + maxLen - 1) / maxLen)
	out := make([]window, 0, n)
	for start := time.Duration(0); start < total; start += maxLen {
		length := maxLen
		if rest := total - start; rest < length {
			length = rest
		}
		out = append(out, window{start: start, length: length})
	}
	return out
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
