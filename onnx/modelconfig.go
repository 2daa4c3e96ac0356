package onnx

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/krau/konacaption/service"
)

// rawModelConfig is the subset of a BLIP config.json needed for captioning.
type rawModelConfig struct {
	TextConfig struct {
		BOSTokenID int64 `json:"bos_token_id"`
		SEPTokenID int64 `json:"sep_token_id"`
		PadTokenID int64 `json:"pad_token_id"`
		VocabSize  int   `json:"vocab_size"`
	} `json:"text_config"`
	VisionConfig struct {
		ImageSize int `json:"image_size"`
	} `json:"vision_config"`
}

type rawPreprocessorConfig struct {
	ImageMean     []float32 `json:"image_mean"`
	ImageStd      []float32 `json:"image_std"`
	RescaleFactor float32   `json:"rescale_factor"`
	Size          any       `json:"size"`
}

// LoadModelConfig reads config.json and preprocessor_config.json. Missing
// files or fields fall back to the blip-image-captioning-base values.
func LoadModelConfig(configPath, preprocessorPath string, maxLength int) (service.ImageConfig, service.GenerationConfig, error) {
	imageCfg := service.DefaultImageConfig()
	genCfg := service.DefaultGenerationConfig()
	if maxLength > 0 {
		genCfg.MaxLength = maxLength
	}

	var raw rawModelConfig
	if err := readJSON(configPath, &raw); err != nil {
		return imageCfg, genCfg, err
	}
	if raw.TextConfig.BOSTokenID != 0 {
		genCfg.StartTokenID = raw.TextConfig.BOSTokenID
	}
	if raw.TextConfig.SEPTokenID != 0 {
		genCfg.EOSTokenID = raw.TextConfig.SEPTokenID
	}
	genCfg.PadTokenID = raw.TextConfig.PadTokenID
	genCfg.VocabSize = raw.TextConfig.VocabSize
	if raw.VisionConfig.ImageSize > 0 {
		imageCfg.Size = raw.VisionConfig.ImageSize
	}

	var pre rawPreprocessorConfig
	if err := readJSON(preprocessorPath, &pre); err != nil {
		return imageCfg, genCfg, err
	}
	if len(pre.ImageMean) == 3 {
		copy(imageCfg.Mean[:], pre.ImageMean)
	}
	if len(pre.ImageStd) == 3 {
		copy(imageCfg.Std[:], pre.ImageStd)
	}
	if pre.RescaleFactor > 0 {
		imageCfg.RescaleFactor = pre.RescaleFactor
	}
	if size := extractImageSize(pre.Size); size > 0 {
		imageCfg.Size = size
	}
	return imageCfg, genCfg, nil
}

// readJSON leaves v untouched when path does not exist.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// extractImageSize handles a bare number, {height, width} and {shortest_edge}.
func extractImageSize(v any) int {
	switch val := v.(type) {
	case float64:
		return int(val)
	case map[string]any:
		if h, ok := val["height"].(float64); ok {
			return int(h)
		}
		if se, ok := val["shortest_edge"].(float64); ok {
			return int(se)
		}
	}
	return 0
}
