package server

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/krau/konacaption/config"
	"github.com/krau/konacaption/onnx"
	"github.com/krau/konacaption/service"
)

// Init fetches missing model files, opens the ONNX sessions and builds the
// shared captioner. The caller closes the returned model on shutdown.
func Init(ctx context.Context, c config.Config) (*service.Captioner, *onnx.BlipModel, error) {
	if c.AutoDownload {
		fetcher := onnx.NewFetcher(c.HFEndpoint, c.ModelRepo, c.ModelRevision, c.HFToken)
		if err := fetcher.Ensure(ctx, c.ModelDir, onnx.Assets(c)); err != nil {
			return nil, nil, fmt.Errorf("failed to fetch model: %w", err)
		}
	}

	imageCfg, genCfg, err := onnx.LoadModelConfig(
		filepath.Join(c.ModelDir, c.ModelConfigName),
		filepath.Join(c.ModelDir, c.PreprocessorConfig),
		c.MaxLength,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read model config: %w", err)
	}

	vocab, err := service.LoadVocab(filepath.Join(c.ModelDir, c.VocabFileName),
		genCfg.StartTokenID, genCfg.EOSTokenID, genCfg.PadTokenID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read vocab: %w", err)
	}

	model, err := onnx.LoadBlip(c)
	if err != nil {
		return nil, nil, err
	}

	captioner, err := service.NewCaptioner(model, vocab, imageCfg, genCfg)
	if err != nil {
		model.Close()
		return nil, nil, err
	}
	return captioner, model, nil
}
