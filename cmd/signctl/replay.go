package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loqalabs/loqa-signs/internal/classifier"
	"github.com/loqalabs/loqa-signs/internal/landmarks"
	"github.com/loqalabs/loqa-signs/internal/protocol"
	"github.com/loqalabs/loqa-signs/internal/sentence"
	"github.com/loqalabs/loqa-signs/internal/session"
	"github.com/loqalabs/loqa-signs/internal/smoother"
)

const maxLineBytes = 4 << 20

// replayer drives one offline session with a clock taken from the recording,
// so cooldowns behave as they did when the stream was captured.
type replayer struct {
	loader       *classifier.Loader
	layout       []landmarks.GroupSpec
	profiles     session.Profiles
	mode         smoother.Mode
	maxSigns     int
	idleCooldown time.Duration
	generator    sentence.Generator
	interval     time.Duration
	build        bool
}

type replayClock struct{ now time.Time }

func (c *replayClock) Now() time.Time { return c.now }

func (r replayer) run(ctx context.Context, in io.Reader, out io.Writer) error {
	model, err := r.loader.Get(ctx)
	if err != nil {
		return err
	}
	vectorizer, err := landmarks.NewVectorizer(r.layout)
	if err != nil {
		return err
	}
	clock := &replayClock{}
	sess, err := session.New(session.Options{
		ID:           "replay",
		Model:        model,
		Vectorizer:   vectorizer,
		Profiles:     r.profiles,
		Mode:         r.mode,
		MaxSigns:     r.maxSigns,
		IdleCooldown: r.idleCooldown,
		Generator:    r.generator,
		Clock:        clock.Now,
	})
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line, frames, signs := 0, 0, 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var frame protocol.Frame
		if err := json.Unmarshal([]byte(text), &frame); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		switch {
		case !frame.Timestamp.IsZero():
			clock.now = frame.Timestamp
		case frames == 0:
			clock.now = time.Unix(0, 0)
		default:
			clock.now = clock.now.Add(r.interval)
		}
		frames++

		var set landmarks.Set
		if frame.Landmarks != nil {
			set = *frame.Landmarks
		}
		res, err := sess.ProcessLandmarks(ctx, set)
		if err != nil {
			fmt.Fprintf(out, "frame %d: skipped: %v\n", frames, err)
			continue
		}
		if res.Event != nil {
			signs++
			fmt.Fprintf(out, "frame %d: sign %s (%.2f)\n", frames, res.Event.Label, res.Event.Confidence)
		}
		if res.Built != nil {
			printBuild(out, frames, "idle", *res.Built)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if r.build && sess.SentenceStatus().Count > 0 {
		printBuild(out, frames, "final", sess.ForceBuildSentence(ctx))
	}
	fmt.Fprintf(out, "%d frames, %d signs\n", frames, signs)
	return nil
}

func printBuild(out io.Writer, frame int, trigger string, b sentence.Build) {
	suffix := ""
	if b.Fallback {
		suffix = " [fallback]"
	}
	fmt.Fprintf(out, "frame %d: sentence (%s) %q from [%s]%s\n", frame, trigger, b.Sentence, strings.Join(b.Signs, " "), suffix)
}
