package network

import (
	"fmt"
	"math"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"corvid/internal/chess"
)

const (
	// MaxBatchSize bounds one inference call. Worker batches are smaller;
	// the session tensors are allocated once at this size.
	MaxBatchSize = 64
)

// ONNX runs the policy/value network through ONNX Runtime. The session
// holds persistent input/output tensors sized to MaxBatchSize; a mutex
// serializes Run, so concurrent Computations queue on the session.
type ONNX struct {
	mu      sync.Mutex
	session *ort.AdvancedSession

	input     []float32
	policy    []float32
	value     []float32
	movesLeft []float32

	tensors []ort.Value

	totalItems   int64
	totalBatches int64
}

// NewONNX loads the model, trying execution providers in order of
// preference (CUDA, then CPU) and warming each candidate up before
// accepting it.
func NewONNX(modelPath, libPath string) (*ONNX, error) {
	if !ort.IsInitialized() {
		if libPath != "" {
			abs, err := filepath.Abs(libPath)
			if err != nil {
				return nil, fmt.Errorf("network: resolve onnxruntime lib: %w", err)
			}
			ort.SetSharedLibraryPath(abs)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("network: initialize onnxruntime: %w", err)
		}
	}

	input := make([]float32, MaxBatchSize*InputSize)
	policy := make([]float32, MaxBatchSize*PolicySize)
	value := make([]float32, MaxBatchSize*3)
	movesLeft := make([]float32, MaxBatchSize)

	inputShape := ort.NewShape(MaxBatchSize, InputPlanes, 8, 8)
	policyShape := ort.NewShape(MaxBatchSize, PolicySize)
	valueShape := ort.NewShape(MaxBatchSize, 3)
	mlShape := ort.NewShape(MaxBatchSize, 1)

	inputTensor, err := ort.NewTensor(inputShape, input)
	if err != nil {
		return nil, fmt.Errorf("network: input tensor: %w", err)
	}
	policyTensor, _ := ort.NewTensor(policyShape, policy)
	valueTensor, _ := ort.NewTensor(valueShape, value)
	mlTensor, _ := ort.NewTensor(mlShape, movesLeft)

	inputNames := []string{"input_planes"}
	outputNames := []string{"policy", "wdl", "moves_left"}
	inputs := []ort.Value{inputTensor}
	outputs := []ort.Value{policyTensor, valueTensor, mlTensor}

	providers := []struct {
		name  string
		setup func(*ort.SessionOptions) error
	}{
		{"CUDA", func(so *ort.SessionOptions) error {
			cudaOpts, e := ort.NewCUDAProviderOptions()
			if e != nil {
				return e
			}
			defer cudaOpts.Destroy()
			return so.AppendExecutionProviderCUDA(cudaOpts)
		}},
		{"CPU", func(so *ort.SessionOptions) error { return nil }},
	}

	var session *ort.AdvancedSession
	for _, p := range providers {
		so, err := ort.NewSessionOptions()
		if err != nil {
			continue
		}
		if err := p.setup(so); err != nil {
			so.Destroy()
			continue
		}
		s, err := ort.NewAdvancedSession(modelPath, inputNames, outputNames, inputs, outputs, so)
		if err != nil {
			so.Destroy()
			continue
		}
		// Warmup run catches providers that only fail at execution time.
		if err := s.Run(); err != nil {
			s.Destroy()
			so.Destroy()
			continue
		}
		session = s
		so.Destroy()
		break
	}
	if session == nil {
		for _, t := range inputs {
			t.Destroy()
		}
		for _, t := range outputs {
			t.Destroy()
		}
		return nil, fmt.Errorf("network: no usable execution provider for %s", modelPath)
	}

	tensors := append(append([]ort.Value{}, inputs...), outputs...)
	return &ONNX{
		session:   session,
		input:     input,
		policy:    policy,
		value:     value,
		movesLeft: movesLeft,
		tensors:   tensors,
	}, nil
}

func (n *ONNX) Name() string { return "onnx" }

func (n *ONNX) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.session != nil {
		n.session.Destroy()
		n.session = nil
	}
	for _, t := range n.tensors {
		t.Destroy()
	}
	n.tensors = nil
	return nil
}

func (n *ONNX) NewComputation() Computation {
	return &onnxComputation{net: n}
}

type onnxComputation struct {
	net   *ONNX
	batch []float32 // stacked input planes
	count int

	policy    []float32
	wdl       []float32
	movesLeft []float32
}

func (c *onnxComputation) AddInput(pos *chess.Position) {
	if c.count >= MaxBatchSize {
		// The collector never exceeds MaxBatchSize; drop the extra leaf
		// rather than corrupt the batch.
		return
	}
	off := len(c.batch)
	c.batch = append(c.batch, make([]float32, InputSize)...)
	EncodePosition(pos, c.batch[off:])
	c.count++
}

func (c *onnxComputation) BatchSize() int { return c.count }

func (c *onnxComputation) ComputeBlocking() error {
	if c.count == 0 {
		return nil
	}
	n := c.net

	n.mu.Lock()
	if n.session == nil {
		n.mu.Unlock()
		return fmt.Errorf("network: session closed")
	}
	copy(n.input, c.batch)
	for i := c.count * InputSize; i < len(n.input); i++ {
		n.input[i] = 0
	}
	err := n.session.Run()
	if err == nil {
		c.policy = append(c.policy[:0], n.policy[:c.count*PolicySize]...)
		c.wdl = append(c.wdl[:0], n.value[:c.count*3]...)
		c.movesLeft = append(c.movesLeft[:0], n.movesLeft[:c.count]...)
		n.totalBatches++
		n.totalItems += int64(c.count)
	}
	n.mu.Unlock()
	if err != nil {
		return fmt.Errorf("network: inference: %w", err)
	}

	// The wdl head emits logits; normalize here so readers see
	// probabilities.
	for i := 0; i < c.count; i++ {
		softmax3(c.wdl[i*3 : i*3+3])
	}
	return nil
}

func softmax3(v []float32) {
	maxLogit := v[0]
	if v[1] > maxLogit {
		maxLogit = v[1]
	}
	if v[2] > maxLogit {
		maxLogit = v[2]
	}
	e0 := math.Exp(float64(v[0] - maxLogit))
	e1 := math.Exp(float64(v[1] - maxLogit))
	e2 := math.Exp(float64(v[2] - maxLogit))
	sum := e0 + e1 + e2
	v[0] = float32(e0 / sum)
	v[1] = float32(e1 / sum)
	v[2] = float32(e2 / sum)
}

func (c *onnxComputation) WDL(i int) (w, d, l float32) {
	return c.wdl[i*3], c.wdl[i*3+1], c.wdl[i*3+2]
}

func (c *onnxComputation) MovesLeft(i int) float32 {
	return c.movesLeft[i]
}

func (c *onnxComputation) PolicyAt(i int, policyIndex int) float32 {
	return c.policy[i*PolicySize+policyIndex]
}
