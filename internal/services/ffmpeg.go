package services

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Output constants for re-encoded clips: portrait 1080x1920 at 30fps
const (
	videoFPS        = 30
	audioSampleRate = 48000

	// A silent interval ending this close to the clip end counts as trailing.
	silenceEndTolerance = 0.1
)

// SilenceConfig is the policy for trailing-silence trimming.
type SilenceConfig struct {
	NoiseDB    float64 // level below which audio counts as silent, e.g. -35
	MinSeconds float64 // minimum silent run that is reported
	TailPad    float64 // air kept after the last spoken moment
}

// ClipInfo is what ffprobe tells us about one clip.
type ClipInfo struct {
	Duration float64 // seconds
	HasAudio bool
}

// SilenceInterval is one silencedetect report. Open intervals ran to EOF
// without a silence_end line.
type SilenceInterval struct {
	Start float64
	End   float64
	Open  bool
}

// ---------------------------------------------------------------------------
// FFmpegService
// ---------------------------------------------------------------------------

type FFmpegService struct {
	tempDir string
	silence SilenceConfig
}

func NewFFmpegService(tempDir string, silence SilenceConfig) *FFmpegService {
	// Create temp directory if it doesn't exist
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		panic(fmt.Sprintf("failed to create temp dir: %v", err))
	}

	return &FFmpegService{
		tempDir: tempDir,
		silence: silence,
	}
}

// CreateTempDir creates a fresh scratch directory for one merge run.
// The caller owns removal.
func (s *FFmpegService) CreateTempDir(prefix string) (string, error) {
	dir, err := os.MkdirTemp(s.tempDir, prefix+"-")
	if err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %w", err)
	}
	return dir, nil
}

// ProbeClip returns the container duration and whether an audio stream exists.
func (s *FFmpegService) ProbeClip(ctx context.Context, path string) (ClipInfo, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration:stream=codec_type",
		"-of", "default=noprint_wrappers=1",
		path,
	}

	cmd := exec.CommandContext(ctx, "ffprobe", args...)
	output, err := cmd.Output()
	if err != nil {
		return ClipInfo{}, fmt.Errorf("ffprobe failed for %s: %w", filepath.Base(path), err)
	}

	return parseProbeOutput(string(output))
}

func parseProbeOutput(output string) (ClipInfo, error) {
	var info ClipInfo
	found := false
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "codec_type":
			if value == "audio" {
				info.HasAudio = true
			}
		case "duration":
			d, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return ClipInfo{}, fmt.Errorf("failed to parse duration %q: %w", value, err)
			}
			info.Duration = d
			found = true
		}
	}
	if !found || info.Duration <= 0 {
		return ClipInfo{}, fmt.Errorf("ffprobe reported no usable duration")
	}
	return info, nil
}

// DetectTrailingSilence runs silencedetect over the clip's audio and returns
// the point the clip should be cut at. trimmed is false when the clip has no
// trailing silence and must be kept whole.
func (s *FFmpegService) DetectTrailingSilence(ctx context.Context, path string, duration float64) (end float64, trimmed bool, err error) {
	filter := fmt.Sprintf("silencedetect=noise=%gdB:d=%g", s.silence.NoiseDB, s.silence.MinSeconds)

	args := []string{
		"-hide_banner", "-nostats",
		"-i", path,
		"-vn",
		"-af", filter,
		"-f", "null",
		"-",
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, false, fmt.Errorf("ffmpeg silencedetect failed: %w: %s", err, tail(stderr.String(), 400))
	}

	intervals := ParseSilenceDetect(stderr.String())
	end, trimmed = TrimPoint(intervals, duration, s.silence.TailPad)
	if trimmed {
		log.Printf("[FFmpeg] %s: trailing silence from %.2fs, cutting at %.2fs of %.2fs",
			filepath.Base(path), end-s.silence.TailPad, end, duration)
	}
	return end, trimmed, nil
}

// ParseSilenceDetect extracts silence intervals from ffmpeg's stderr.
func ParseSilenceDetect(output string) []SilenceInterval {
	var intervals []SilenceInterval
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "silencedetect") {
			continue
		}

		if v, ok := fieldValue(line, "silence_start:"); ok {
			intervals = append(intervals, SilenceInterval{Start: math.Max(0, v), Open: true})
			continue
		}
		if v, ok := fieldValue(line, "silence_end:"); ok {
			if n := len(intervals); n > 0 && intervals[n-1].Open {
				intervals[n-1].End = v
				intervals[n-1].Open = false
			}
		}
	}
	return intervals
}

func fieldValue(line, key string) (float64, bool) {
	idx := strings.Index(line, key)
	if idx < 0 {
		return 0, false
	}
	fields := strings.Fields(line[idx+len(key):])
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// TrailingSilence returns the last interval that reaches the end of the clip.
func TrailingSilence(intervals []SilenceInterval, duration float64) (SilenceInterval, bool) {
	if len(intervals) == 0 {
		return SilenceInterval{}, false
	}
	last := intervals[len(intervals)-1]
	if last.Open || last.End >= duration-silenceEndTolerance {
		return last, true
	}
	return SilenceInterval{}, false
}

// TrimPoint is silence start plus pad, clamped to the clip. A clip that is
// silent from the start, or whose pad reaches the end anyway, is not trimmed.
func TrimPoint(intervals []SilenceInterval, duration, pad float64) (float64, bool) {
	silence, ok := TrailingSilence(intervals, duration)
	if !ok || silence.Start <= 0 {
		return duration, false
	}
	end := silence.Start + pad
	if end >= duration {
		return duration, false
	}
	return end, true
}

// TrimClip re-encodes the first end seconds of in into out.
func (s *FFmpegService) TrimClip(ctx context.Context, in, out string, end float64) error {
	args := []string{
		"-hide_banner",
		"-i", in,
		"-t", strconv.FormatFloat(end, 'f', 3, 64),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-c:a", "aac",
		"-b:a", "192k",
		"-pix_fmt", "yuv420p",
		"-y",
		out,
	}
	return s.run(ctx, "trim", args)
}

// CopyClip remuxes a single clip unchanged.
func (s *FFmpegService) CopyClip(ctx context.Context, in, out string) error {
	return s.run(ctx, "copy", []string{"-hide_banner", "-i", in, "-c", "copy", "-movflags", "+faststart", "-y", out})
}

// CrossfadeConcat joins clips in order, overlapping each adjacent pair by fade
// seconds. durations must be the probed durations of inputs.
func (s *FFmpegService) CrossfadeConcat(ctx context.Context, inputs []string, durations []float64, fade float64, withAudio bool, out string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}
	if len(inputs) != len(durations) {
		return fmt.Errorf("got %d clips but %d durations", len(inputs), len(durations))
	}
	if len(inputs) == 1 {
		return s.CopyClip(ctx, inputs[0], out)
	}

	filter, vLabel, aLabel := BuildCrossfadeFilter(durations, fade, withAudio)

	args := []string{"-hide_banner"}
	for _, in := range inputs {
		args = append(args, "-i", in)
	}
	args = append(args,
		"-filter_complex", filter,
		"-map", vLabel,
	)
	if withAudio {
		args = append(args, "-map", aLabel, "-c:a", "aac", "-b:a", "192k")
	} else {
		args = append(args, "-an")
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-y",
		out,
	)

	log.Printf("[FFmpeg] Crossfading %d clips (fade=%.2fs, audio=%v)", len(inputs), fade, withAudio)
	return s.run(ctx, "crossfade", args)
}

// ClampCrossfade keeps the fade short enough that no two transitions overlap:
// every clip is at least twice the fade. Negative fades become zero.
func ClampCrossfade(durations []float64, fade float64) float64 {
	if fade <= 0 || len(durations) < 2 {
		return 0
	}
	limit := math.Inf(1)
	for _, d := range durations {
		limit = math.Min(limit, d/2)
	}
	if fade > limit {
		return limit
	}
	return fade
}

// BuildCrossfadeFilter renders the -filter_complex graph joining len(durations)
// inputs. Inputs are normalized to a common frame rate, pixel format and
// timebase first since xfade rejects mismatched streams. A zero fade falls
// back to a plain concat. It returns the graph and the output pad labels.
func BuildCrossfadeFilter(durations []float64, fade float64, withAudio bool) (filter, videoOut, audioOut string) {
	n := len(durations)
	var parts []string

	for i := 0; i < n; i++ {
		parts = append(parts, fmt.Sprintf("[%d:v]fps=%d,format=yuv420p,settb=AVTB,setpts=PTS-STARTPTS[v%d]", i, videoFPS, i))
		if withAudio {
			parts = append(parts, fmt.Sprintf("[%d:a]aresample=%d,aformat=channel_layouts=stereo,asetpts=PTS-STARTPTS[a%d]", i, audioSampleRate, i))
		}
	}

	if fade <= 0 {
		var inputs strings.Builder
		for i := 0; i < n; i++ {
			fmt.Fprintf(&inputs, "[v%d]", i)
			if withAudio {
				fmt.Fprintf(&inputs, "[a%d]", i)
			}
		}
		if withAudio {
			parts = append(parts, fmt.Sprintf("%sconcat=n=%d:v=1:a=1[vout][aout]", inputs.String(), n))
			return strings.Join(parts, ";"), "[vout]", "[aout]"
		}
		parts = append(parts, fmt.Sprintf("%sconcat=n=%d:v=1:a=0[vout]", inputs.String(), n))
		return strings.Join(parts, ";"), "[vout]", ""
	}

	prevV, prevA := "[v0]", "[a0]"
	elapsed := 0.0
	for k := 1; k < n; k++ {
		elapsed += durations[k-1]
		offset := elapsed - float64(k)*fade

		vOut := fmt.Sprintf("[xv%d]", k)
		parts = append(parts, fmt.Sprintf("%s[v%d]xfade=transition=fade:duration=%s:offset=%s%s",
			prevV, k, ffloat(fade), ffloat(offset), vOut))
		prevV = vOut

		if withAudio {
			aOut := fmt.Sprintf("[xa%d]", k)
			parts = append(parts, fmt.Sprintf("%s[a%d]acrossfade=d=%s:c1=tri:c2=tri%s", prevA, k, ffloat(fade), aOut))
			prevA = aOut
		}
	}

	return strings.Join(parts, ";"), prevV, audioLabel(withAudio, prevA)
}

func audioLabel(withAudio bool, label string) string {
	if !withAudio {
		return ""
	}
	return label
}

func ffloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func (s *FFmpegService) run(ctx context.Context, op string, args []string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg %s failed: %w: %s", op, err, tail(stderr.String(), 400))
	}
	return nil
}

// tail keeps the last maxLen bytes of ffmpeg's stderr, where the error is.
func tail(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}
