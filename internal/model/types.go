package model

// Metadata describes the loaded model's tensors. It mirrors the metadata JSON
// some exports ship next to the model file.
type Metadata struct {
	InputName   string   `json:"input_name,omitempty"`
	OutputName  string   `json:"output_name,omitempty"`
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	Layout      string   `json:"layout"`
}

// PredictionRequest is a raw, already preprocessed input tensor.
type PredictionRequest struct {
	Image []float32 `json:"image"`
}

// Prediction is the arg-max class and its score.
type Prediction struct {
	Class      string  `json:"class"`
	Confidence float32 `json:"confidence"`
	Index      int     `json:"-"`
}

// Runner executes one forward pass. Implementations need not be safe for
// concurrent use; Server serializes calls. The returned slice must not alias
// runner-owned memory.
type Runner interface {
	Run(input []float32) ([]float32, error)
	Close() error
}

func shapeSize(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0
		}
		n *= int(d)
	}
	return n
}
