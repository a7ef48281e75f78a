package model

import (
	"image"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Brownie44l1/leafscan-api/internal/labels"
	"github.com/Brownie44l1/leafscan-api/internal/preprocess"
)

var (
	// ErrInputSize is returned when an input tensor does not match the model's input shape.
	ErrInputSize = errors.New("input size mismatch")
	// ErrEmptyOutput is returned when the model produced no scores.
	ErrEmptyOutput = errors.New("model returned no scores")
)

// Server wraps a Runner with the class list and preprocessing it was trained with.
type Server struct {
	mu       sync.Mutex
	runner   Runner
	labels   *labels.Set
	layout   preprocess.Layout
	Metadata Metadata

	// observe, if set, receives the duration of every forward pass.
	observe func(time.Duration)
}

// NewServer builds a Server. meta.InputShape must be fully known; layout is used
// when it cannot be told from the input shape.
func NewServer(runner Runner, meta Metadata, set *labels.Set, layout preprocess.Layout) (*Server, error) {
	if runner == nil {
		return nil, errors.New("nil runner")
	}
	if shapeSize(meta.InputShape) == 0 {
		return nil, errors.Errorf("input shape %v is not fully known", meta.InputShape)
	}
	if set == nil || set.Len() == 0 {
		return nil, errors.New("no class labels")
	}

	layout = InferLayout(meta.InputShape, layout)
	size, err := imageSize(meta.InputShape, layout)
	if err != nil {
		return nil, err
	}
	if meta.ImageSize != 0 && meta.ImageSize != size {
		return nil, errors.Errorf("configured image size %d does not match input shape %v", meta.ImageSize, meta.InputShape)
	}
	meta.ImageSize = size
	meta.Layout = string(layout)
	meta.Classes = set.Names()

	return &Server{
		runner:   runner,
		labels:   set,
		layout:   layout,
		Metadata: meta,
	}, nil
}

// OnInference registers a callback that receives the duration of every forward pass.
func (s *Server) OnInference(fn func(time.Duration)) {
	s.mu.Lock()
	s.observe = fn
	s.mu.Unlock()
}

// InputSize is the number of float32 values one input tensor holds.
func (s *Server) InputSize() int {
	return shapeSize(s.Metadata.InputShape)
}

// CheckLabels reports a mismatch between the model's class count and the
// configured label list. Predictions still work on a mismatch; indexes past the
// end of the list fail with labels.ErrIndexOutOfRange.
func (s *Server) CheckLabels() error {
	out := s.Metadata.OutputShape
	if len(out) == 0 {
		return nil
	}
	classes := int(out[len(out)-1])
	if classes > 0 && classes != s.labels.Len() {
		return errors.Errorf("model has %d outputs but %d class labels are configured", classes, s.labels.Len())
	}
	return nil
}

// Predict runs inputData through the model and returns the highest scoring class.
func (s *Server) Predict(inputData []float32) (*Prediction, error) {
	if want := s.InputSize(); len(inputData) != want {
		return nil, errors.Wrapf(ErrInputSize, "expected %d values, got %d", want, len(inputData))
	}

	s.mu.Lock()
	start := time.Now()
	outputData, err := s.runner.Run(inputData)
	elapsed := time.Since(start)
	observe := s.observe
	s.mu.Unlock()

	if err != nil {
		return nil, errors.Wrap(err, "inference failed")
	}
	if observe != nil {
		observe(elapsed)
	}
	if len(outputData) == 0 {
		return nil, ErrEmptyOutput
	}

	maxIdx := 0
	maxVal := outputData[0]
	for i, val := range outputData {
		if val > maxVal {
			maxVal = val
			maxIdx = i
		}
	}

	class, err := s.labels.Name(maxIdx)
	if err != nil {
		return nil, err
	}
	return &Prediction{
		Class:      class,
		Confidence: maxVal,
		Index:      maxIdx,
	}, nil
}

// PredictImage preprocesses img to the model's input size and layout and predicts.
func (s *Server) PredictImage(img image.Image) (*Prediction, error) {
	return s.Predict(preprocess.ToTensor(img, s.Metadata.ImageSize, s.layout))
}

// Close releases the runner.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runner.Close()
}

// InferLayout reads the layout from a rank 4 image shape with 3 channels, falling
// back to fallback when the shape is ambiguous.
func InferLayout(shape []int64, fallback preprocess.Layout) preprocess.Layout {
	if len(shape) != 4 {
		return fallback
	}
	switch {
	case shape[3] == 3 && shape[1] != 3:
		return preprocess.NHWC
	case shape[1] == 3 && shape[3] != 3:
		return preprocess.NCHW
	}
	return fallback
}

func imageSize(shape []int64, layout preprocess.Layout) (int, error) {
	if len(shape) != 4 {
		return 0, errors.Errorf("expected a rank 4 image input, got shape %v", shape)
	}
	var h, w, c int64
	if layout == preprocess.NCHW {
		c, h, w = shape[1], shape[2], shape[3]
	} else {
		h, w, c = shape[1], shape[2], shape[3]
	}
	if c != 3 {
		return 0, errors.Errorf("expected 3 channels, got shape %v", shape)
	}
	if h != w {
		return 0, errors.Errorf("expected a square input, got shape %v", shape)
	}
	if shape[0] != 1 {
		return 0, errors.Errorf("expected batch size 1, got shape %v", shape)
	}
	return int(h), nil
}
