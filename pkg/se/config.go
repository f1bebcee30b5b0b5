package se

import (
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/gregLibert/secure-element/pkg/iso7816"
)

// MaxATRLength is the longest answer-to-reset ISO 7816-3 allows.
const MaxATRLength = 33

// Config bounds the resources a Service hands out.
type Config struct {
	// MaxReaders caps the reader snapshot taken at Open. Extra slots are ignored.
	MaxReaders int `validate:"min=1,max=256"`
	// MaxReaderNameLength truncates reader names.
	MaxReaderNameLength int `validate:"min=1,max=1024"`
	// MaxSessionsPerReader caps concurrently open sessions on one reader.
	MaxSessionsPerReader int `validate:"min=1"`
	// MaxLogicalChannels caps concurrently open logical channels on one reader.
	MaxLogicalChannels int `validate:"min=0,max=19"`
	// Timeout bounds every driver call and every wire exchange sequence.
	Timeout time.Duration `validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		MaxReaders:           10,
		MaxReaderNameLength:  64,
		MaxSessionsPerReader: 8,
		MaxLogicalChannels:   iso7816.MaxChannel,
		Timeout:              5 * time.Second,
	}
}

var validate = validator.New()

// Validate reports the first set of invalid fields as a BadParameters error.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return wrapError(CodeBadParameters, "Config.Validate", "invalid configuration", err)
	}
	return nil
}

type Option func(*Service)

func WithConfig(cfg Config) Option {
	return func(s *Service) {
		s.cfg = cfg
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.cfg.Timeout = d
	}
}

// WithLogger replaces the default zap.L().Named("se") logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}
