package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-signs/internal/classifier"
	"github.com/loqalabs/loqa-signs/internal/landmarks"
	"github.com/loqalabs/loqa-signs/internal/protocol"
	"github.com/loqalabs/loqa-signs/internal/session"
	"github.com/loqalabs/loqa-signs/internal/smoother"
	"github.com/loqalabs/loqa-signs/internal/window"
)

// rightHandX is the offset of the first right-hand coordinate in the default
// layout.
const rightHandX = 9 + 63

func testReplayer(t *testing.T) replayer {
	t.Helper()
	backend := classifier.BackendFunc(func(_ context.Context, seq []window.Vector) ([]float32, error) {
		if seq[len(seq)-1][rightHandX] > 0.6 {
			return []float32{0.05, 0.95}, nil
		}
		return []float32{0.9, 0.1}, nil
	})
	loader := classifier.NewLoader(func(context.Context) (*classifier.Model, error) {
		return classifier.NewModel(classifier.Options{
			Name:           "replay-test",
			Labels:         []string{"hola", "yo"},
			SequenceLength: 30,
			FeatureDim:     landmarks.Dim(landmarks.DefaultLayout()),
			Backend:        backend,
		})
	})
	return replayer{
		loader: loader,
		layout: landmarks.DefaultLayout(),
		profiles: session.Profiles{
			Discrete:   smoother.Profile{WindowSize: 3, SmoothWindow: 1, Threshold: 0.7},
			Continuous: smoother.Profile{WindowSize: 2, SmoothWindow: 1, Threshold: 0.55, Cooldown: time.Second, Stride: 1, LabelHold: time.Second},
		},
		mode:         smoother.Discrete,
		maxSigns:     10,
		idleCooldown: 200 * time.Millisecond,
		interval:     50 * time.Millisecond,
	}
}

func handFrame(x float32) protocol.Frame {
	pts := make([]landmarks.Point, 21)
	for i := range pts {
		pts[i] = landmarks.Point{X: x, Y: 0.5}
	}
	return protocol.Frame{Landmarks: &landmarks.Set{Groups: map[string][]landmarks.Point{landmarks.GroupRightHand: pts}}}
}

func writeFrames(t *testing.T, frames ...protocol.Frame) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("# recorded by a test\n\n")
	for _, f := range frames {
		data, err := json.Marshal(f)
		if err != nil {
			t.Fatal(err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return &buf
}

func TestReplayEmitsSignsAndIdleSentence(t *testing.T) {
	invalid := protocol.Frame{Landmarks: &landmarks.Set{Groups: map[string][]landmarks.Point{
		landmarks.GroupLeftHand: make([]landmarks.Point, 4),
	}}}
	late := protocol.Frame{Timestamp: time.Unix(2, 0)}
	in := writeFrames(t,
		handFrame(0.5), handFrame(0.5), handFrame(0.5),
		protocol.Frame{},
		handFrame(0.8), handFrame(0.8), handFrame(0.8),
		protocol.Frame{},
		invalid,
		late,
	)

	var out bytes.Buffer
	if err := testReplayer(t).run(context.Background(), in, &out); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	for _, want := range []string{
		"frame 3: sign hola (0.90)",
		"frame 7: sign yo (0.95)",
		"frame 9: skipped:",
		`frame 10: sentence (idle) "Hola yo" from [hola yo]`,
		"10 frames, 2 signs",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in output:\n%s", want, got)
		}
	}
	if strings.Contains(got, "(final)") {
		t.Fatalf("unexpected final build:\n%s", got)
	}
}

func TestReplayForcesFinalSentence(t *testing.T) {
	r := testReplayer(t)
	r.build = true
	in := writeFrames(t, handFrame(0.5), handFrame(0.5), handFrame(0.5))

	var out bytes.Buffer
	if err := r.run(context.Background(), in, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), `frame 3: sentence (final) "Hola" from [hola]`) {
		t.Fatalf("expected final sentence, got:\n%s", out.String())
	}
}

func TestReplayRejectsMalformedLines(t *testing.T) {
	in := strings.NewReader("{\"landmarks\":null}\nnot json\n")
	err := testReplayer(t).run(context.Background(), in, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected line 2 error, got %v", err)
	}
}
