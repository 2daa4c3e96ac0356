package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Token          string `toml:"token" mapstructure:"token"`
	Host           string `toml:"host" mapstructure:"host"`
	Port           string `toml:"port" mapstructure:"port"`
	Libonnx        string `toml:"libonnx" mapstructure:"libonnx"`
	IntraOpThreads int    `toml:"intra_op_threads" mapstructure:"intra_op_threads"`
	MaxUploadMB    int64  `toml:"max_upload_mb" mapstructure:"max_upload_mb"`
	MaxImagePixels int64  `toml:"max_image_pixels" mapstructure:"max_image_pixels"`

	HFEndpoint    string `toml:"hf_endpoint" mapstructure:"hf_endpoint"`
	HFToken       string `toml:"hf_token" mapstructure:"hf_token"`
	ModelRepo     string `toml:"model_repo" mapstructure:"model_repo"`
	ModelRevision string `toml:"model_revision" mapstructure:"model_revision"`
	AutoDownload  bool   `toml:"auto_download" mapstructure:"auto_download"`

	ModelDir           string `toml:"model_dir" mapstructure:"model_dir"`
	EncoderFileName    string `toml:"encoder_file_name" mapstructure:"encoder_file_name"`
	DecoderFileName    string `toml:"decoder_file_name" mapstructure:"decoder_file_name"`
	VocabFileName      string `toml:"vocab_file_name" mapstructure:"vocab_file_name"`
	ModelConfigName    string `toml:"model_config_name" mapstructure:"model_config_name"`
	PreprocessorConfig string `toml:"preprocessor_config_name" mapstructure:"preprocessor_config_name"`
	MaxLength          int    `toml:"max_length" mapstructure:"max_length"`

	ExampleDir string `toml:"example_dir" mapstructure:"example_dir"`
}

// Default returns the built-in configuration used when no config.toml exists.
func Default() Config {
	return Config{
		Token:          "",
		Host:           "0.0.0.0",
		Port:           "8000",
		IntraOpThreads: 0,
		MaxUploadMB:    10,
		MaxImagePixels: 178956970,

		HFEndpoint:    "https://huggingface.co",
		ModelRepo:     "Xenova/blip-image-captioning-base",
		ModelRevision: "main",
		AutoDownload:  true,

		ModelDir:           "models",
		EncoderFileName:    "vision_model.onnx",
		DecoderFileName:    "text_decoder_model.onnx",
		VocabFileName:      "vocab.txt",
		ModelConfigName:    "config.json",
		PreprocessorConfig: "preprocessor_config.json",
		MaxLength:          20,

		ExampleDir: "examples",
	}
}

// Load reads a TOML file on top of the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	c := Default()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, fmt.Errorf("stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

var (
	cfg      Config
	loadOnce sync.Once
)

func C() Config {
	loadOnce.Do(func() {
		c, err := Load("config.toml")
		if err != nil {
			panic(err)
		}
		cfg = c
	})
	return cfg
}
