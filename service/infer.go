package service

import (
	"context"
	"errors"
	"fmt"
	"image"
)

var errEmptyLogits = errors.New("model returned empty logits")

// Captioner is the process-wide caption handle. It is immutable after
// NewCaptioner and safe for concurrent use.
type Captioner struct {
	model Model
	vocab *Vocab
	image ImageConfig
	gen   GenerationConfig
}

func NewCaptioner(model Model, vocab *Vocab, imageCfg ImageConfig, genCfg GenerationConfig) (*Captioner, error) {
	if model == nil {
		return nil, fmt.Errorf("model not initialized")
	}
	if vocab == nil {
		return nil, fmt.Errorf("vocab not initialized")
	}
	if imageCfg.Size <= 0 {
		return nil, fmt.Errorf("invalid image size %d", imageCfg.Size)
	}
	if genCfg.MaxLength < 2 {
		return nil, fmt.Errorf("max length must be at least 2, got %d", genCfg.MaxLength)
	}
	if vocab.Size() == 0 {
		return nil, fmt.Errorf("vocab is empty")
	}
	if genCfg.VocabSize > 0 && vocab.Size() > genCfg.VocabSize {
		return nil, fmt.Errorf("vocab has %d tokens but the model only predicts %d", vocab.Size(), genCfg.VocabSize)
	}
	return &Captioner{model: model, vocab: vocab, image: imageCfg, gen: genCfg}, nil
}

// Caption returns the generated caption for in, or EmptyInputPrompt when in
// carries no image.
func (c *Captioner) Caption(ctx context.Context, in Input) (string, error) {
	if IsEmpty(in) {
		return EmptyInputPrompt, nil
	}
	img, err := Normalize(in)
	if err != nil {
		return "", fmt.Errorf("normalize input: %w", err)
	}
	return c.CaptionImage(ctx, img)
}

func (c *Captioner) CaptionImage(ctx context.Context, img image.Image) (string, error) {
	ids, err := c.Generate(ctx, img)
	if err != nil {
		return "", err
	}
	return c.vocab.Decode(ids, true), nil
}

// Generate runs the encoder once and greedily decodes token ids, including
// the start token.
func (c *Captioner) Generate(ctx context.Context, img image.Image) ([]int64, error) {
	pixels, err := Preprocess(img, c.image)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	size := int64(c.image.Size)
	enc, err := c.model.Encode(ctx, pixels, []int64{1, 3, size, size})
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	ids := make([]int64, 1, c.gen.MaxLength)
	ids[0] = c.gen.StartTokenID
	for len(ids) < c.gen.MaxLength {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logits, err := c.model.NextTokenLogits(ctx, ids, enc)
		if err != nil {
			return nil, fmt.Errorf("decode step %d: %w", len(ids), err)
		}
		next, err := argmax(logits)
		if err != nil {
			return nil, fmt.Errorf("decode step %d: %w", len(ids), err)
		}
		ids = append(ids, next)
		if next == c.gen.EOSTokenID {
			break
		}
	}
	return ids, nil
}

// argmax returns the first index holding the maximum value.
func argmax(logits []float32) (int64, error) {
	if len(logits) == 0 {
		return 0, errEmptyLogits
	}
	best := 0
	for i, v := range logits[1:] {
		if v > logits[best] {
			best = i + 1
		}
	}
	return int64(best), nil
}
