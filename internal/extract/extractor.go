package extract

import (
	"context"
	"fmt"

	"github.com/eliranbeatt/studio-facts/internal/llm"
	"go.uber.org/zap"
)

// Candidate is a validated model fact annotated with the chunk it came from.
type Candidate struct {
	RawFact
	ChunkID    string
	ChunkStart int
	ChunkEnd   int
}

// Options configures an Extractor.
type Options struct {
	Model       string  // overrides the provider's default model
	Temperature float64 // default 0
	MaxTokens   int
}

// Extractor drives the model over one chunk at a time.
type Extractor struct {
	provider llm.Provider
	opts     Options
	logger   *zap.Logger
}

// NewExtractor creates an Extractor. A nil logger disables logging.
func NewExtractor(p llm.Provider, opts Options, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{provider: p, opts: opts, logger: logger}
}

// ModelName identifies the model recorded on runs.
func (e *Extractor) ModelName() string {
	if e.opts.Model != "" {
		return e.opts.Model
	}
	return e.provider.Name()
}

// ExtractChunk asks the model for the facts in one chunk. A response that
// never satisfies the schema fails with an error matching llm.ErrSchema.
func (e *Extractor) ExtractChunk(ctx context.Context, chunk Chunk, chunkID string, snap Snapshot) ([]Candidate, error) {
	prompt, err := BuildUserPrompt(chunk.Text, snap)
	if err != nil {
		return nil, err
	}

	var resp Response
	err = llm.CompleteJSON(ctx, e.provider, SystemPrompt, prompt, &resp, llm.CompletionOpts{
		Model:       e.opts.Model,
		Temperature: e.opts.Temperature,
		MaxTokens:   e.opts.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("extracting chunk %s: %w", chunkID, err)
	}

	candidates := make([]Candidate, 0, len(resp.Facts))
	for _, f := range resp.Facts {
		candidates = append(candidates, Candidate{
			RawFact:    f,
			ChunkID:    chunkID,
			ChunkStart: chunk.Start,
			ChunkEnd:   chunk.End,
		})
	}
	e.logger.Debug("chunk extracted",
		zap.String("chunk_id", chunkID),
		zap.Int("candidates", len(candidates)),
	)
	return candidates, nil
}
