package model

import (
	"context"
	"fmt"
	"image"
	"math"
	"sort"
	"sync"

	"github.com/nfnt/resize"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/example/image-classify/internal/classify"
)

// The ONNX runtime environment is process-wide; initialize it once no matter
// how many engines come and go.
var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initRuntime() error {
	ortInitOnce.Do(func() {
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// onnxEngine runs classification through a preallocated ONNX session. The
// input and output tensors are reused across calls, so Run is serialized
// with a mutex.
type onnxEngine struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	meta         Metadata
}

// NewONNXEngine initializes an inference session for the model at modelPath.
func NewONNXEngine(modelPath string, meta Metadata) (Engine, error) {
	if err := initRuntime(); err != nil {
		return nil, fmt.Errorf("initialize onnx environment: %w", err)
	}
	if len(meta.Classes) == 0 {
		return nil, fmt.Errorf("model metadata lists no classes")
	}
	if meta.ImageSize <= 0 {
		return nil, fmt.Errorf("model metadata has invalid image size %d", meta.ImageSize)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &onnxEngine{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		meta:         meta,
	}, nil
}

// Classify preprocesses img, runs the session, and returns the topK classes
// ranked by descending softmax probability.
func (e *onnxEngine) Classify(ctx context.Context, img image.Image, topK int) ([]classify.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	input := preprocess(img, e.meta.ImageSize)

	e.mu.Lock()
	defer e.mu.Unlock()

	data := e.inputTensor.GetData()
	if len(input) != len(data) {
		return nil, fmt.Errorf("preprocessed image has %d values, model expects %d", len(input), len(data))
	}
	copy(data, input)

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	scores := softmax(e.outputTensor.GetData())
	return rank(scores, e.meta.Classes, topK), nil
}

func (e *onnxEngine) Close() error {
	if e.inputTensor != nil {
		e.inputTensor.Destroy()
	}
	if e.outputTensor != nil {
		e.outputTensor.Destroy()
	}
	if e.session != nil {
		e.session.Destroy()
	}
	return nil
}

// preprocess resizes img to size×size and lays the pixels out as normalized
// NCHW float32 planes.
func preprocess(img image.Image, size int) []float32 {
	resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	input := make([]float32, 3*width*height)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			idx := y*width + x
			input[idx] = float32(r) / 65535.0
			input[width*height+idx] = float32(g) / 65535.0
			input[2*width*height+idx] = float32(b) / 65535.0
		}
	}
	return input
}

// softmax converts raw logits into probabilities. Shifting by the max keeps
// the exponentials from overflowing.
func softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	max := float64(logits[0])
	for _, v := range logits[1:] {
		if float64(v) > max {
			max = float64(v)
		}
	}

	probs := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		probs[i] = math.Exp(float64(v) - max)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// rank pairs scores with their class labels and returns the top k by
// descending score. Extra scores without a label are ignored.
func rank(scores []float64, classes []string, k int) []classify.Prediction {
	n := len(scores)
	if len(classes) < n {
		n = len(classes)
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })

	if k > n {
		k = n
	}
	ranked := make([]classify.Prediction, 0, k)
	for _, i := range idx[:k] {
		ranked = append(ranked, classify.Prediction{Label: classes[i], Score: scores[i]})
	}
	return ranked
}
