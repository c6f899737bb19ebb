package qdrant

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// DefaultVectorDim and DefaultDistance are the platform-wide embedding
// contract. Every producer and consumer of the chapter/concept collections
// must agree on them; a mismatch is an ingestion-time error, never a warning.
const (
	DefaultVectorDim = 384
	DefaultDistance  = "Cosine"

	DefaultChapterCollection = "chapters"
	DefaultConceptCollection = "concepts"
)

type Config struct {
	URL               string
	ChapterCollection string
	ConceptCollection string
	VectorDim         int
	Distance          string
}

type ConfigErrorCode string

const (
	ConfigErrorMissingURL       ConfigErrorCode = "missing_url"
	ConfigErrorInvalidURL       ConfigErrorCode = "invalid_url"
	ConfigErrorInvalidVectorDim ConfigErrorCode = "invalid_vector_dim"
)

type ConfigError struct {
	Code  ConfigErrorCode
	Value string
	Cause error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "invalid qdrant config"
	}
	switch e.Code {
	case ConfigErrorMissingURL:
		return "QDRANT_URL is required"
	case ConfigErrorInvalidURL:
		return fmt.Sprintf(
			"invalid QDRANT_URL=%q; expected absolute URL like http://qdrant:6333",
			e.Value,
		)
	case ConfigErrorInvalidVectorDim:
		return fmt.Sprintf(
			"invalid QDRANT_VECTOR_DIM=%q; expected positive integer",
			e.Value,
		)
	default:
		return "invalid qdrant config"
	}
}

func (e *ConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func ResolveConfigFromEnv() (Config, error) {
	rawDim := strings.TrimSpace(os.Getenv("QDRANT_VECTOR_DIM"))
	dim := DefaultVectorDim
	if rawDim != "" {
		parsed, err := strconv.Atoi(rawDim)
		if err != nil {
			return Config{}, &ConfigError{
				Code:  ConfigErrorInvalidVectorDim,
				Value: rawDim,
				Cause: err,
			}
		}
		dim = parsed
	}

	cfg := Config{
		URL:               strings.TrimSpace(os.Getenv("QDRANT_URL")),
		ChapterCollection: strings.TrimSpace(os.Getenv("QDRANT_CHAPTER_COLLECTION")),
		ConceptCollection: strings.TrimSpace(os.Getenv("QDRANT_CONCEPT_COLLECTION")),
		VectorDim:         dim,
		Distance:          strings.TrimSpace(os.Getenv("QDRANT_DISTANCE")),
	}
	if cfg.ChapterCollection == "" {
		cfg.ChapterCollection = DefaultChapterCollection
	}
	if cfg.ConceptCollection == "" {
		cfg.ConceptCollection = DefaultConceptCollection
	}
	if cfg.Distance == "" {
		cfg.Distance = DefaultDistance
	}

	if err := ValidateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func ValidateConfig(cfg Config) error {
	if cfg.URL == "" {
		return &ConfigError{Code: ConfigErrorMissingURL}
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil || strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return &ConfigError{
			Code:  ConfigErrorInvalidURL,
			Value: cfg.URL,
			Cause: err,
		}
	}
	if cfg.VectorDim <= 0 {
		return &ConfigError{
			Code:  ConfigErrorInvalidVectorDim,
			Value: strconv.Itoa(cfg.VectorDim),
		}
	}
	return nil
}
