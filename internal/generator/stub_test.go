package generator

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/mmeshcher/imagegen-system/internal/model"
)

func TestStub_AlwaysSucceeds(t *testing.T) {
	s := NewStub(0, 0, rand.New(rand.NewPCG(1, 2)), nil)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	res, err := s.Generate(context.Background(), testInput)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	want := "https://placeholder-images-model-b.example.com/generated/req-1?"
	if !strings.HasPrefix(res.ImageURL, want) {
		t.Fatalf("image url = %q, want prefix %q", res.ImageURL, want)
	}
	for _, part := range []string{"model=model_b", "style=watercolor", "size=1024x1024", "timestamp=1700000000"} {
		if !strings.Contains(res.ImageURL, part) {
			t.Fatalf("image url %q does not contain %q", res.ImageURL, part)
		}
	}
}

func TestStub_AlwaysFails(t *testing.T) {
	s := NewStub(1, 0, rand.New(rand.NewPCG(1, 2)), nil)

	_, err := s.Generate(context.Background(), testInput)
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("error = %v, want ErrGenerationFailed", err)
	}

	found := false
	for _, msg := range stubFailures {
		if Reason(err) == msg {
			found = true
		}
	}
	if !found {
		t.Fatalf("unexpected failure reason %q", Reason(err))
	}
}

func TestStub_FailureRateIsApproximate(t *testing.T) {
	s := NewStub(0.3, 0, rand.New(rand.NewPCG(7, 11)), nil)

	failures := 0
	const n = 2000
	for i := 0; i < n; i++ {
		if _, err := s.Generate(context.Background(), testInput); err != nil {
			failures++
		}
	}

	rate := float64(failures) / n
	if rate < 0.25 || rate > 0.35 {
		t.Fatalf("failure rate = %.3f, want about 0.3", rate)
	}
}

func TestStub_RespectsContext(t *testing.T) {
	s := NewStub(0, time.Minute, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Generate(ctx, Input{RequestID: "r", GenerationParams: model.GenerationParams{Model: model.ModelA}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
}
