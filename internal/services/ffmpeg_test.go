package services

import (
	"math"
	"strings"
	"testing"
)

const silenceLog = `
Input #0, mov,mp4,m4a,3gp,3g2,mj2, from 'scene_00.mp4':
  Duration: 00:00:08.00, start: 0.000000, bitrate: 2100 kb/s
[silencedetect @ 0x7f8c1c004a40] silence_start: 2.104
[silencedetect @ 0x7f8c1c004a40] silence_end: 2.9 | silence_duration: 0.796
[silencedetect @ 0x7f8c1c004a40] silence_start: 6.5
[silencedetect @ 0x7f8c1c004a40] silence_end: 8 | silence_duration: 1.5
size=N/A time=00:00:08.00 bitrate=N/A speed= 512x
`

func TestParseSilenceDetect(t *testing.T) {
	got := ParseSilenceDetect(silenceLog)
	if len(got) != 2 {
		t.Fatalf("expected 2 intervals, got %d: %+v", len(got), got)
	}
	if got[0].Start != 2.104 || got[0].End != 2.9 || got[0].Open {
		t.Errorf("first interval = %+v", got[0])
	}
	if got[1].Start != 6.5 || got[1].End != 8 {
		t.Errorf("second interval = %+v", got[1])
	}
}

func TestParseSilenceDetectOpenInterval(t *testing.T) {
	log := "[silencedetect @ 0x1] silence_start: 4.25\n"
	got := ParseSilenceDetect(log)
	if len(got) != 1 || !got[0].Open || got[0].Start != 4.25 {
		t.Fatalf("unexpected intervals %+v", got)
	}
}

func TestParseSilenceDetectNegativeStartClamped(t *testing.T) {
	got := ParseSilenceDetect("[silencedetect @ 0x1] silence_start: -0.0213\n[silencedetect @ 0x1] silence_end: 1 | silence_duration: 1\n")
	if len(got) != 1 || got[0].Start != 0 {
		t.Fatalf("unexpected intervals %+v", got)
	}
}

func TestTrimPoint(t *testing.T) {
	tests := []struct {
		name        string
		intervals   []SilenceInterval
		duration    float64
		pad         float64
		wantEnd     float64
		wantTrimmed bool
	}{
		{"no silence", nil, 8, 0.15, 8, false},
		{"trailing closed at end", []SilenceInterval{{Start: 6.5, End: 8}}, 8, 0.15, 6.65, true},
		{"trailing open", []SilenceInterval{{Start: 7, Open: true}}, 8, 0.2, 7.2, true},
		{"trailing within tolerance", []SilenceInterval{{Start: 5, End: 7.95}}, 8, 0, 5, true},
		{"mid-clip silence only", []SilenceInterval{{Start: 2, End: 3}}, 8, 0.15, 8, false},
		{"pad reaches end", []SilenceInterval{{Start: 7.9, End: 8}}, 8, 0.2, 8, false},
		{"silent from start", []SilenceInterval{{Start: 0, End: 8}}, 8, 0.15, 8, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			end, trimmed := TrimPoint(tt.intervals, tt.duration, tt.pad)
			if math.Abs(end-tt.wantEnd) > 1e-9 || trimmed != tt.wantTrimmed {
				t.Errorf("TrimPoint = (%v, %v), want (%v, %v)", end, trimmed, tt.wantEnd, tt.wantTrimmed)
			}
			if end > tt.duration || end < 0 {
				t.Errorf("trim point %v outside clip [0, %v]", end, tt.duration)
			}
		})
	}
}

func TestClampCrossfade(t *testing.T) {
	if got := ClampCrossfade([]float64{10, 10, 10}, 1); got != 1 {
		t.Errorf("fade within bounds should be kept, got %v", got)
	}
	if got := ClampCrossfade([]float64{10, 1.2, 10}, 1); got != 0.6 {
		t.Errorf("fade should clamp to half the shortest clip, got %v", got)
	}
	if got := ClampCrossfade([]float64{10}, 1); got != 0 {
		t.Errorf("single clip has no crossfade, got %v", got)
	}
	if got := ClampCrossfade([]float64{10, 10}, -2); got != 0 {
		t.Errorf("negative fade should become zero, got %v", got)
	}
}

func TestBuildCrossfadeFilterOffsets(t *testing.T) {
	filter, v, a := BuildCrossfadeFilter([]float64{10, 10, 10}, 1, true)

	if v != "[xv2]" || a != "[xa2]" {
		t.Errorf("output labels = %s %s", v, a)
	}
	for _, want := range []string{
		"[v0][v1]xfade=transition=fade:duration=1.000:offset=9.000[xv1]",
		"[xv1][v2]xfade=transition=fade:duration=1.000:offset=18.000[xv2]",
		"[a0][a1]acrossfade=d=1.000:c1=tri:c2=tri[xa1]",
		"[xa1][a2]acrossfade=d=1.000:c1=tri:c2=tri[xa2]",
	} {
		if !strings.Contains(filter, want) {
			t.Errorf("filter missing %q\n%s", want, filter)
		}
	}
}

func TestBuildCrossfadeFilterVideoOnly(t *testing.T) {
	filter, _, a := BuildCrossfadeFilter([]float64{4, 5}, 0.5, false)
	if a != "" || strings.Contains(filter, "acrossfade") || strings.Contains(filter, ":a]") {
		t.Errorf("video-only graph must not touch audio: %s (label %q)", filter, a)
	}
}

func TestBuildCrossfadeFilterZeroFadeConcats(t *testing.T) {
	filter, v, a := BuildCrossfadeFilter([]float64{4, 5}, 0, true)
	if !strings.Contains(filter, "[v0][a0][v1][a1]concat=n=2:v=1:a=1[vout][aout]") {
		t.Errorf("unexpected concat graph: %s", filter)
	}
	if v != "[vout]" || a != "[aout]" {
		t.Errorf("labels = %s %s", v, a)
	}
}

func TestParseProbeOutput(t *testing.T) {
	info, err := parseProbeOutput("codec_type=video\ncodec_type=audio\nduration=8.016000\n")
	if err != nil {
		t.Fatal(err)
	}
	if info.Duration != 8.016 || !info.HasAudio {
		t.Errorf("unexpected info %+v", info)
	}

	info, err = parseProbeOutput("codec_type=video\nduration=5.0\n")
	if err != nil || info.HasAudio {
		t.Errorf("video-only clip: %+v %v", info, err)
	}

	if _, err := parseProbeOutput("codec_type=video\nduration=N/A\n"); err == nil {
		t.Error("expected error for N/A duration")
	}
}
