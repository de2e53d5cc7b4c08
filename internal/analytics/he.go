package analytics

import (
	"context"
	"fmt"
	"sync"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
	"golang.org/x/sync/singleflight"

	"github.com/hengadev/medabe/internal/abeerr"
)

// HEParameters fixes the CKKS scheme. They are read once when the backend
// initializes and cannot change afterwards.
type HEParameters struct {
	LogN            int   `json:"log_n" yaml:"log_n"`
	LogQ            []int `json:"log_q" yaml:"log_q"`
	LogP            []int `json:"log_p" yaml:"log_p"`
	LogDefaultScale int   `json:"log_default_scale" yaml:"log_default_scale"`
	// SecurityLevel is the claimed bit security of the chain above; it is reported
	// on results, not enforced by the library.
	SecurityLevel int `json:"security_level" yaml:"security_level"`
}

// DefaultHEParameters is a 2^13 ring with a 196-bit modulus chain, within the
// 128-bit security bound for that ring degree.
func DefaultHEParameters() HEParameters {
	return HEParameters{
		LogN:            13,
		LogQ:            []int{55, 40, 40},
		LogP:            []int{61},
		LogDefaultScale: 40,
		SecurityLevel:   128,
	}
}

func (p HEParameters) literal() ckks.ParametersLiteral {
	return ckks.ParametersLiteral{
		LogN:            p.LogN,
		LogQ:            append([]int(nil), p.LogQ...),
		LogP:            append([]int(nil), p.LogP...),
		LogDefaultScale: p.LogDefaultScale,
	}
}

// Backend holds the keys and evaluators of one CKKS context. Lattigo encoders and
// evaluators are not safe for concurrent use, so every operation takes mu.
type Backend struct {
	mu        sync.Mutex
	params    ckks.Parameters
	security  int
	encoder   *ckks.Encoder
	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor
	evaluator *ckks.Evaluator
}

func newBackend(p HEParameters) (*Backend, error) {
	params, err := ckks.NewParametersFromLiteral(p.literal())
	if err != nil {
		return nil, fmt.Errorf("%w: ckks parameters: %w", abeerr.ErrBackendUnavailable, err)
	}
	kgen := rlwe.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPairNew()
	return &Backend{
		params:    params,
		security:  p.SecurityLevel,
		encoder:   ckks.NewEncoder(params),
		encryptor: rlwe.NewEncryptor(params, pk),
		decryptor: rlwe.NewDecryptor(params, sk),
		evaluator: ckks.NewEvaluator(params, nil),
	}, nil
}

// Slots is how many values one ciphertext carries.
func (b *Backend) Slots() int {
	return b.params.MaxSlots()
}

func (b *Backend) SecurityLevel() int {
	return b.security
}

// Encrypt encodes values into the leading slots and encrypts them.
func (b *Backend) Encrypt(values []float64) (*rlwe.Ciphertext, error) {
	if len(values) > b.Slots() {
		return nil, fmt.Errorf("vector of %d values exceeds %d slots", len(values), b.Slots())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	pt := ckks.NewPlaintext(b.params, b.params.MaxLevel())
	if err := b.encoder.Encode(values, pt); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	ct, err := b.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return ct, nil
}

// Add accumulates ct into acc in place.
func (b *Backend) Add(acc, ct *rlwe.Ciphertext) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evaluator.Add(acc, ct, acc)
}

// Decrypt returns the first n slots of ct.
func (b *Backend) Decrypt(ct *rlwe.Ciphertext, n int) ([]float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pt := b.decryptor.DecryptNew(ct)
	values := make([]float64, b.Slots())
	if err := b.encoder.Decode(pt, values); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if n > len(values) {
		n = len(values)
	}
	return values[:n], nil
}

// HEContext lazily builds the process-wide backend. Concurrent callers during
// initialization share a single build; a failed build is retried on the next call.
type HEContext struct {
	params HEParameters
	group  singleflight.Group

	mu      sync.RWMutex
	backend *Backend
	lastErr error
}

func NewHEContext(params HEParameters) *HEContext {
	return &HEContext{params: params}
}

// Parameters returns the immutable scheme parameters.
func (h *HEContext) Parameters() HEParameters {
	p := h.params
	p.LogQ = append([]int(nil), h.params.LogQ...)
	p.LogP = append([]int(nil), h.params.LogP...)
	return p
}

// Backend returns the initialized backend, building it on first use.
func (h *HEContext) Backend(ctx context.Context) (*Backend, error) {
	h.mu.RLock()
	b := h.backend
	h.mu.RUnlock()
	if b != nil {
		return b, nil
	}

	ch := h.group.DoChan("init", func() (any, error) {
		h.mu.RLock()
		existing := h.backend
		h.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}
		built, err := newBackend(h.params)
		h.mu.Lock()
		defer h.mu.Unlock()
		if err != nil {
			h.lastErr = err
			return nil, err
		}
		h.backend, h.lastErr = built, nil
		return built, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Backend), nil
	}
}

// Err reports the last initialization failure, if the backend is not built.
func (h *HEContext) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.backend != nil {
		return nil
	}
	return h.lastErr
}

// Initialized reports whether the backend has been built.
func (h *HEContext) Initialized() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.backend != nil
}
