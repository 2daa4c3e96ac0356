package onnx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/krau/konacaption/config"
	"github.com/krau/konacaption/service"
	ort "github.com/yalue/onnxruntime_go"
)

var errPastKeyValues = errors.New("decoder expects past_key_values; use the export without KV cache")

var _ service.Model = (*BlipModel)(nil)

// BlipModel runs a BLIP vision encoder and text decoder exported to ONNX.
// Tensors are created per call so one model is shared by all requests.
type BlipModel struct {
	encoder *ort.DynamicAdvancedSession
	decoder *ort.DynamicAdvancedSession

	encoderInput  string
	encoderOutput string

	decoderInputs []string
	decoderOutput string
}

func Assets(c config.Config) []Asset {
	return []Asset{
		{Remote: "onnx/" + c.EncoderFileName, Local: c.EncoderFileName},
		{Remote: "onnx/" + c.DecoderFileName, Local: c.DecoderFileName},
		{Remote: c.VocabFileName, Local: c.VocabFileName},
		{Remote: c.ModelConfigName, Local: c.ModelConfigName},
		{Remote: c.PreprocessorConfig, Local: c.PreprocessorConfig},
	}
}

// LoadBlip opens the encoder and decoder sessions. The ONNX Runtime
// environment must already be initialized.
func LoadBlip(c config.Config) (*BlipModel, error) {
	encoderPath := filepath.Join(c.ModelDir, c.EncoderFileName)
	decoderPath := filepath.Join(c.ModelDir, c.DecoderFileName)

	encIn, encOut, err := ort.GetInputOutputInfo(encoderPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoder input/output info: %w", err)
	}
	decIn, decOut, err := ort.GetInputOutputInfo(decoderPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get decoder input/output info: %w", err)
	}
	if len(encIn) == 0 || len(encOut) == 0 || len(decOut) == 0 {
		return nil, fmt.Errorf("model has no inputs or outputs")
	}

	decoderInputs, err := decoderInputNames(decIn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", decoderPath, err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()
	if c.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(c.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	encoder, err := ort.NewDynamicAdvancedSession(encoderPath,
		[]string{encIn[0].Name}, []string{encOut[0].Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder session: %w", err)
	}
	decoder, err := ort.NewDynamicAdvancedSession(decoderPath,
		decoderInputs, []string{decOut[0].Name}, opts)
	if err != nil {
		encoder.Destroy()
		return nil, fmt.Errorf("failed to create decoder session: %w", err)
	}

	slog.Info("Loaded BLIP model",
		slog.String("encoder", encoderPath),
		slog.String("decoder", decoderPath),
		slog.String("decoder_inputs", strings.Join(decoderInputs, ",")))

	return &BlipModel{
		encoder:       encoder,
		decoder:       decoder,
		encoderInput:  encIn[0].Name,
		encoderOutput: encOut[0].Name,
		decoderInputs: decoderInputs,
		decoderOutput: decOut[0].Name,
	}, nil
}

// decoderInputNames checks that every decoder input can be fed by
// NextTokenLogits.
func decoderInputNames(infos []ort.InputOutputInfo) ([]string, error) {
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		switch {
		case strings.HasPrefix(info.Name, "past_key_values") || info.Name == "use_cache_branch":
			return nil, errPastKeyValues
		case !supportedDecoderInputs[info.Name]:
			return nil, fmt.Errorf("unsupported decoder input %q", info.Name)
		}
		names = append(names, info.Name)
	}
	if !slices.Contains(names, "input_ids") {
		return nil, fmt.Errorf("decoder has no input_ids input")
	}
	return names, nil
}

var supportedDecoderInputs = map[string]bool{
	"input_ids":              true,
	"attention_mask":         true,
	"encoder_hidden_states":  true,
	"encoder_attention_mask": true,
}

func (m *BlipModel) Encode(_ context.Context, pixels []float32, shape []int64) (*service.EncoderOutput, error) {
	input, err := ort.NewTensor(ort.NewShape(shape...), pixels)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := m.encoder.Run([]ort.Value{input}, outputs); err != nil {
		return nil, err
	}
	defer outputs[0].Destroy()

	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("encoder output %s is not float32", m.encoderOutput)
	}
	outShape := hidden.GetShape()
	if len(outShape) != 3 {
		return nil, fmt.Errorf("unexpected encoder output shape: %v", outShape)
	}

	data := hidden.GetData()
	states := make([]float32, len(data))
	copy(states, data)

	return &service.EncoderOutput{
		HiddenStates: states,
		Shape:        [3]int64{outShape[0], outShape[1], outShape[2]},
	}, nil
}

func (m *BlipModel) NextTokenLogits(_ context.Context, ids []int64, enc *service.EncoderOutput) ([]float32, error) {
	if enc == nil {
		return nil, fmt.Errorf("missing encoder output")
	}
	seqLen := int64(len(ids))

	inputs := make([]ort.Value, 0, len(m.decoderInputs))
	defer func() {
		for _, v := range inputs {
			v.Destroy()
		}
	}()

	for _, name := range m.decoderInputs {
		var (
			v   ort.Value
			err error
		)
		switch name {
		case "input_ids":
			v, err = ort.NewTensor(ort.NewShape(1, seqLen), append([]int64(nil), ids...))
		case "attention_mask":
			v, err = ort.NewTensor(ort.NewShape(1, seqLen), ones(int(seqLen)))
		case "encoder_hidden_states":
			v, err = ort.NewTensor(ort.NewShape(enc.Shape[:]...), enc.HiddenStates)
		case "encoder_attention_mask":
			v, err = ort.NewTensor(ort.NewShape(enc.Shape[0], enc.Shape[1]), ones(int(enc.Shape[0]*enc.Shape[1])))
		default:
			return nil, fmt.Errorf("unsupported decoder input %q", name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create %s tensor: %w", name, err)
		}
		inputs = append(inputs, v)
	}

	outputs := []ort.Value{nil}
	if err := m.decoder.Run(inputs, outputs); err != nil {
		return nil, err
	}
	defer outputs[0].Destroy()

	logitsTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("decoder output %s is not float32", m.decoderOutput)
	}
	shape := logitsTensor.GetShape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("unexpected logits shape: %v", shape)
	}
	vocab := int(shape[2])
	data := logitsTensor.GetData()
	last := data[len(data)-vocab:]

	logits := make([]float32, vocab)
	copy(logits, last)
	return logits, nil
}

func (m *BlipModel) Close() {
	if m.encoder != nil {
		m.encoder.Destroy()
	}
	if m.decoder != nil {
		m.decoder.Destroy()
	}
}

func ones(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
