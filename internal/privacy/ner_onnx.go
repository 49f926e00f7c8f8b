//go:build onnx
// +build onnx

package privacy

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/raaihank/contract-sentinel/internal/config"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

var ortInit struct {
	once sync.Once
	err  error
}

// onnxBackend runs a BERT-style token classification model with ONNX Runtime
type onnxBackend struct {
	session    *ort.DynamicAdvancedSession
	inputNames []string
	logger     *zap.Logger
}

func newONNXBackend(cfg config.NERConfig, log *zap.Logger) (NERBackend, error) {
	ortInit.once.Do(func() {
		switch {
		case cfg.LibraryPath != "":
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		case os.Getenv("ONNXRUNTIME_SHARED_LIB") != "":
			ort.SetSharedLibraryPath(os.Getenv("ONNXRUNTIME_SHARED_LIB"))
		}
		ortInit.err = ort.InitializeEnvironment()
	})
	if ortInit.err != nil {
		return nil, fmt.Errorf("onnx runtime init failed: %w", ortInit.err)
	}

	inputsInfo, outputsInfo, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect model %s: %w", cfg.ModelPath, err)
	}
	if len(outputsInfo) == 0 {
		return nil, fmt.Errorf("model %s reports no outputs", cfg.ModelPath)
	}

	available := make(map[string]string)
	for _, info := range inputsInfo {
		available[strings.ToLower(info.Name)] = info.Name
	}
	var inputNames []string
	for _, name := range []string{"input_ids", "attention_mask", "token_type_ids"} {
		if declared, ok := available[name]; ok {
			inputNames = append(inputNames, declared)
		}
	}
	if len(inputNames) == 0 {
		return nil, fmt.Errorf("model %s has no input_ids input", cfg.ModelPath)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputNames, []string{outputsInfo[0].Name}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create onnx session: %w", err)
	}

	log.Info("NER model loaded",
		zap.String("model", cfg.ModelPath),
		zap.Strings("inputs", inputNames),
		zap.String("output", outputsInfo[0].Name),
	)
	return &onnxBackend{session: session, inputNames: inputNames, logger: log}, nil
}

func (b *onnxBackend) Classify(ctx context.Context, ids, mask []int64) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seqLen := int64(len(ids))
	shape := ort.NewShape(1, seqLen)

	idsTensor, err := ort.NewTensor(shape, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()

	maskTensor, err := ort.NewTensor(shape, mask)
	if err != nil {
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	typeTensor, err := ort.NewTensor(shape, make([]int64, len(ids)))
	if err != nil {
		return nil, fmt.Errorf("failed to create token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()

	inputs := make([]ort.Value, 0, len(b.inputNames))
	for _, name := range b.inputNames {
		switch strings.ToLower(name) {
		case "input_ids":
			inputs = append(inputs, idsTensor)
		case "attention_mask":
			inputs = append(inputs, maskTensor)
		default:
			inputs = append(inputs, typeTensor)
		}
	}

	outputs := make([]ort.Value, 1)
	if err := b.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("onnx run failed: %w", err)
	}
	if outputs[0] == nil {
		return nil, fmt.Errorf("onnx returned no outputs")
	}
	defer outputs[0].Destroy()

	logits, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type (want float32 tensor)")
	}

	// [1, seq, labels]
	outShape := logits.GetShape()
	if len(outShape) != 3 || outShape[1] != seqLen {
		return nil, fmt.Errorf("unexpected output shape %v", outShape)
	}
	numLabels := int(outShape[2])
	data := logits.GetData()

	rows := make([][]float32, len(ids))
	for i := range rows {
		rows[i] = make([]float32, numLabels)
		copy(rows[i], data[i*numLabels:(i+1)*numLabels])
	}
	return rows, nil
}

func (b *onnxBackend) Close() error {
	return b.session.Destroy()
}
