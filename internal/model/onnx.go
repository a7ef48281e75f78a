package model

import (
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
)

// ONNXOptions configures OpenONNX.
type ONNXOptions struct {
	// LibPath is the onnxruntime shared library. Empty uses the library default.
	LibPath string
	// InputName and OutputName select tensors by name; empty picks the first one.
	InputName  string
	OutputName string
	// ImageSize fills dynamic spatial dimensions of the input.
	ImageSize int
	// Threads sets intra-op parallelism; zero leaves the runtime default.
	Threads int
}

// ONNXRunner runs a single-input, single-output model through onnxruntime with
// pre-allocated tensors.
type ONNXRunner struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	ownsEnv      bool
}

// OpenONNX loads the model at modelPath and returns a runner together with the
// tensor metadata discovered from the file.
func OpenONNX(modelPath string, opts ONNXOptions) (_ *ONNXRunner, _ Metadata, err error) {
	r := &ONNXRunner{}
	defer func() {
		if err != nil {
			err = multierr.Append(err, r.Close())
		}
	}()

	if !ort.IsInitialized() {
		if opts.LibPath != "" {
			ort.SetSharedLibraryPath(opts.LibPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, Metadata{}, errors.Wrap(err, "failed to initialize ONNX environment")
		}
		r.ownsEnv = true
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, Metadata{}, errors.Wrap(err, "failed to read model inputs and outputs")
	}
	in, err := pickTensor(inputs, opts.InputName, "input")
	if err != nil {
		return nil, Metadata{}, err
	}
	out, err := pickTensor(outputs, opts.OutputName, "output")
	if err != nil {
		return nil, Metadata{}, err
	}

	inputShape := resolveShape(in.Dimensions, int64(opts.ImageSize))
	outputShape := resolveShape(out.Dimensions, 0)
	if shapeSize(outputShape) == 0 {
		return nil, Metadata{}, errors.Errorf("output %q has unknown dimensions %v", out.Name, out.Dimensions)
	}
	if shapeSize(inputShape) == 0 {
		return nil, Metadata{}, errors.Errorf("input %q has unknown dimensions %v", in.Name, in.Dimensions)
	}

	r.inputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(inputShape...))
	if err != nil {
		return nil, Metadata{}, errors.Wrap(err, "failed to create input tensor")
	}
	r.outputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(outputShape...))
	if err != nil {
		return nil, Metadata{}, errors.Wrap(err, "failed to create output tensor")
	}

	var sessionOpts *ort.SessionOptions
	if opts.Threads > 0 {
		sessionOpts, err = ort.NewSessionOptions()
		if err != nil {
			return nil, Metadata{}, errors.Wrap(err, "failed to create session options")
		}
		defer sessionOpts.Destroy()
		if err := sessionOpts.SetIntraOpNumThreads(opts.Threads); err != nil {
			return nil, Metadata{}, errors.Wrap(err, "failed to set thread count")
		}
	}

	r.session, err = ort.NewAdvancedSession(modelPath,
		[]string{in.Name}, []string{out.Name},
		[]ort.ArbitraryTensor{r.inputTensor}, []ort.ArbitraryTensor{r.outputTensor},
		sessionOpts)
	if err != nil {
		return nil, Metadata{}, errors.Wrap(err, "failed to create ONNX session")
	}

	return r, Metadata{
		InputName:   in.Name,
		OutputName:  out.Name,
		InputShape:  inputShape,
		OutputShape: outputShape,
	}, nil
}

// Run copies input into the session's input tensor, runs the model and returns a
// copy of the output tensor.
func (r *ONNXRunner) Run(input []float32) ([]float32, error) {
	copy(r.inputTensor.GetData(), input)
	if err := r.session.Run(); err != nil {
		return nil, err
	}
	return append([]float32(nil), r.outputTensor.GetData()...), nil
}

// Close destroys the session, its tensors and, if OpenONNX created it, the
// runtime environment.
func (r *ONNXRunner) Close() error {
	var err error
	if r.session != nil {
		err = multierr.Append(err, r.session.Destroy())
		r.session = nil
	}
	if r.inputTensor != nil {
		err = multierr.Append(err, r.inputTensor.Destroy())
		r.inputTensor = nil
	}
	if r.outputTensor != nil {
		err = multierr.Append(err, r.outputTensor.Destroy())
		r.outputTensor = nil
	}
	if r.ownsEnv {
		err = multierr.Append(err, ort.DestroyEnvironment())
		r.ownsEnv = false
	}
	return err
}

func pickTensor(infos []ort.InputOutputInfo, name, kind string) (ort.InputOutputInfo, error) {
	if len(infos) == 0 {
		return ort.InputOutputInfo{}, errors.Errorf("model has no %s tensors", kind)
	}
	if name == "" {
		if len(infos) > 1 {
			return ort.InputOutputInfo{}, errors.Errorf("model has %d %s tensors, set the %s name", len(infos), kind, kind)
		}
		return checkFloat(infos[0], kind)
	}
	for _, info := range infos {
		if info.Name == name {
			return checkFloat(info, kind)
		}
	}
	return ort.InputOutputInfo{}, errors.Errorf("model has no %s named %q", kind, name)
}

func checkFloat(info ort.InputOutputInfo, kind string) (ort.InputOutputInfo, error) {
	if info.DataType != ort.TensorElementDataTypeFloat {
		return ort.InputOutputInfo{}, errors.Errorf("%s %q has element type %v, want float32", kind, info.Name, info.DataType)
	}
	return info, nil
}

// resolveShape pins a dynamic batch dimension to 1 and any other dynamic
// dimension to fill. A zero fill leaves them unknown.
func resolveShape(dims ort.Shape, fill int64) []int64 {
	shape := make([]int64, len(dims))
	for i, d := range dims {
		switch {
		case d > 0:
			shape[i] = d
		case i == 0:
			shape[i] = 1
		default:
			shape[i] = fill
		}
	}
	return shape
}
