package service

import (
	"context"
	"image"
)

// EmptyInputPrompt is returned instead of a caption when no image was supplied.
const EmptyInputPrompt = "Please upload an image or select an example."

const ImageSize = 384

var (
	ClipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// Input is either RawPixels or Decoded. A nil Input means no image was given.
type Input interface {
	isInput()
}

// RawPixels is a row-major pixel array of Height x Width x Channels bytes.
// Channels 0 or 1 is grayscale, 3 is RGB, 4 is RGBA.
type RawPixels struct {
	Height   int
	Width    int
	Channels int
	Data     []uint8
}

// Decoded wraps an image that is already in canonical form.
type Decoded struct {
	Image image.Image
}

func (RawPixels) isInput() {}
func (Decoded) isInput()   {}

// ImageConfig describes the encoder input.
type ImageConfig struct {
	Size          int
	Mean          [3]float32
	Std           [3]float32
	RescaleFactor float32
}

func DefaultImageConfig() ImageConfig {
	return ImageConfig{
		Size:          ImageSize,
		Mean:          ClipMean,
		Std:           ClipStd,
		RescaleFactor: 1.0 / 255.0,
	}
}

// GenerationConfig holds the token ids and limits for greedy decoding.
type GenerationConfig struct {
	StartTokenID int64
	EOSTokenID   int64
	PadTokenID   int64
	MaxLength    int
	// VocabSize is the decoder's output vocabulary, 0 when unknown.
	VocabSize    int
}

func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		StartTokenID: 30522,
		EOSTokenID:   102,
		PadTokenID:   0,
		MaxLength:    20,
	}
}

// EncoderOutput holds the vision encoder hidden states, shape [batch, seq, hidden].
type EncoderOutput struct {
	HiddenStates []float32
	Shape        [3]int64
}

// Model is the pretrained encoder/decoder pair. Implementations must be safe
// for concurrent read-only use.
type Model interface {
	Encode(ctx context.Context, pixels []float32, shape []int64) (*EncoderOutput, error)
	// NextTokenLogits returns the vocabulary logits for the position after ids.
	NextTokenLogits(ctx context.Context, ids []int64, enc *EncoderOutput) ([]float32, error)
}

type CaptionResult struct {
	Caption string `json:"caption"`
}
