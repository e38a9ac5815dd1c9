// Package model provides the inference capability: lazy acquisition of the
// on-device ONNX model (download, checksum verification, session
// initialization) behind a single-flight provider, and the engine that runs
// classification against it.
package model

import (
	"context"
	"image"

	"github.com/example/image-classify/internal/classify"
)

// Engine is the opaque inference capability. Implementations must be safe
// for concurrent use.
type Engine interface {
	Classify(ctx context.Context, img image.Image, topK int) ([]classify.Prediction, error)
	Close() error
}

// Handle bundles a ready inference engine with the identity of the model it
// serves. It is created at most once per process and shared by all requests.
type Handle struct {
	Engine  Engine
	Version string
	Classes []string
}

// Metadata describes the model artifact: tensor shapes, class labels, and
// the square input size expected by preprocessing.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
}
