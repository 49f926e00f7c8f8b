//go:build !onnx
// +build !onnx

package privacy

import (
	"errors"

	"github.com/raaihank/contract-sentinel/internal/config"
	"go.uber.org/zap"
)

// newONNXBackend is unavailable unless built with the 'onnx' tag
func newONNXBackend(cfg config.NERConfig, log *zap.Logger) (NERBackend, error) {
	return nil, errors.New("NER requires a build with the 'onnx' tag")
}
