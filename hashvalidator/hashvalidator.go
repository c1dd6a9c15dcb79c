// Package hashvalidator computes running content digests over transferred bytes and compares them with the
// digests reported by the storage service.
package hashvalidator

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/binary"
	"hash"
	"strings"

	"github.com/klauspost/crc32"
	"github.com/minio/sha256-simd"
)

// Algorithm names a digest algorithm. The names double as the keys of the rendered digest string.
type Algorithm string

const (
	CRC32C Algorithm = "crc32c"
	MD5    Algorithm = "md5"
	SHA256 Algorithm = "sha256"
)

// order is the fixed rendering order of a composite digest string.
var order = []Algorithm{CRC32C, MD5, SHA256}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Validator incrementally digests bytes and validates the result against a received digest string.
// A Validator is owned by a single transfer and is not safe for concurrent use.
type Validator interface {
	// Name describes the configured algorithms, for logs.
	Name() string
	// Update feeds p into every configured digest. Calling it after Finish is a no-op.
	Update(p []byte)
	// Finish renders the digest string, e.g. "crc32c=AAAAAA==,md5=1B2M2Y8AsgTpgAmY7PhCfg==".
	// It may be called any number of times and always returns the same value.
	Finish() string
	// Validate compares the computed digest with received. Only the algorithms present in both are compared.
	// A mismatch is reported as a *status.Status with code DataLoss wrapping a *MismatchError.
	Validate(received string) error
}

// Config selects the digest algorithms of a transfer.
type Config struct {
	MD5    bool
	CRC32C bool
	SHA256 bool
}

// DefaultConfig enables MD5 and CRC32C.
func DefaultConfig() Config {
	return Config{
		MD5:    true,
		CRC32C: true,
		SHA256: false,
	}
}

// Algorithms lists the enabled algorithms in rendering order.
func (c Config) Algorithms() []Algorithm {
	var algs []Algorithm
	if c.CRC32C {
		algs = append(algs, CRC32C)
	}
	if c.MD5 {
		algs = append(algs, MD5)
	}
	if c.SHA256 {
		algs = append(algs, SHA256)
	}
	return algs
}

// FromConfig is New(cfg.Algorithms()...).
func FromConfig(cfg Config) Validator {
	return New(cfg.Algorithms()...)
}

// New returns a validator over the given algorithms: the null validator for none, a single-algorithm
// validator for one and a composite validator otherwise. Duplicates and unknown names are ignored.
func New(algs ...Algorithm) Validator {
	seen := map[Algorithm]bool{}
	var validators []*single
	for _, alg := range order {
		for _, a := range algs {
			if a == alg && !seen[a] {
				seen[a] = true
				validators = append(validators, newSingle(a))
			}
		}
	}

	switch len(validators) {
	case 0:
		return NewNull()
	case 1:
		return validators[0]
	default:
		return &composite{validators: validators}
	}
}

func newSingle(alg Algorithm) *single {
	var h hash.Hash
	switch alg {
	case CRC32C:
		h = crc32.New(castagnoli)
	case MD5:
		h = md5.New()
	case SHA256:
		h = sha256.New()
	}
	return &single{alg: alg, h: h}
}

type single struct {
	alg      Algorithm
	h        hash.Hash
	finished bool
	value    string
}

func (s *single) Name() string {
	return string(s.alg)
}

func (s *single) Update(p []byte) {
	if s.finished || len(p) == 0 {
		return
	}
	_, _ = s.h.Write(p) // hash.Hash.Write never returns an error
}

func (s *single) Finish() string {
	if !s.finished {
		s.finished = true
		s.value = string(s.alg) + "=" + encode(s.alg, s.h)
	}
	return s.value
}

func (s *single) Validate(received string) error {
	return validate(s.Finish(), received)
}

func encode(alg Algorithm, h hash.Hash) string {
	if alg == CRC32C {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], h.(hash.Hash32).Sum32())
		return base64.StdEncoding.EncodeToString(b[:])
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

type composite struct {
	validators []*single
	value      string
	finished   bool
}

// NewComposite returns a fresh validator over the union of the algorithms of validators. State already
// accumulated by the inputs is not carried over.
func NewComposite(validators ...Validator) Validator {
	var algs []Algorithm
	for _, v := range validators {
		switch t := v.(type) {
		case *single:
			algs = append(algs, t.alg)
		case *composite:
			for _, s := range t.validators {
				algs = append(algs, s.alg)
			}
		}
	}
	return New(algs...)
}

func (c *composite) Name() string {
	names := make([]string, 0, len(c.validators))
	for _, v := range c.validators {
		names = append(names, v.Name())
	}
	return "composite(" + strings.Join(names, ",") + ")"
}

func (c *composite) Update(p []byte) {
	for _, v := range c.validators {
		v.Update(p)
	}
}

func (c *composite) Finish() string {
	if !c.finished {
		c.finished = true
		parts := make([]string, 0, len(c.validators))
		for _, v := range c.validators {
			parts = append(parts, v.Finish())
		}
		c.value = strings.Join(parts, ",")
	}
	return c.value
}

func (c *composite) Validate(received string) error {
	return validate(c.Finish(), received)
}

type null struct{}

// NewNull returns a validator that computes nothing and never fails.
func NewNull() Validator {
	return null{}
}

func (null) Name() string { return "null" }

func (null) Update([]byte) {}

func (null) Finish() string { return "" }

func (null) Validate(string) error { return nil }
