package vision

import (
	"context"
	"time"
)

// MockName is the registry key of the canned analyzer used by tests and
// smoke installs. Registering it as a library target is refused unless
// explicitly allowed, see the sysmeta service.
const MockName = "mock-analyzer"

func init() {
	Register(MockName, func() (Analyzer, error) {
		return NewMockAnalyzer(), nil
	})
}

// MockAnalyzer returns a fixed document for every image. The artificial
// latency keeps end-to-end runs honest about lease and heartbeat timing.
type MockAnalyzer struct {
	Latency time.Duration
}

func NewMockAnalyzer() *MockAnalyzer {
	return &MockAnalyzer{Latency: 500 * time.Millisecond}
}

func (m *MockAnalyzer) ModelCard() ModelCard {
	return ModelCard{Name: MockName, Version: "1.0"}
}

func (m *MockAnalyzer) AnalyzeImage(ctx context.Context, imagePath string, mode Mode) (*VisualAnalysis, error) {
	_ = imagePath
	_ = mode
	if m.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Latency):
		}
	}
	return &VisualAnalysis{
		Description: "A placeholder description.",
		Tags:        []string{"mock", "test"},
		OCRText:     "MOCK TEXT",
	}, nil
}
