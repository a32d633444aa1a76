package config

import (
	"fmt"
	"math"
)

// Validate checks the configuration for values that would misbehave at
// runtime. It returns the first problem found, wrapped around a sentinel
// error for errors.Is checks.
func (c *Config) Validate() error {
	if c.Storage.PostgresHost == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidPostgresHost)
	}
	if c.Storage.PostgresPort < 1 || c.Storage.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.Storage.PostgresPort)
	}

	if c.Embedding.Dimension < 1 || c.Embedding.Dimension > 4096 {
		return fmt.Errorf("%w: %d (must be 1-4096)", ErrInvalidDimension, c.Embedding.Dimension)
	}

	if c.Retrieval.SimilarityThreshold < 0 || c.Retrieval.SimilarityThreshold > 1 {
		return fmt.Errorf("%w: %g", ErrInvalidThreshold, c.Retrieval.SimilarityThreshold)
	}
	if c.Learning.DedupThreshold < 0 || c.Learning.DedupThreshold > 1 {
		return fmt.Errorf("%w: %g", ErrInvalidThreshold, c.Learning.DedupThreshold)
	}
	if c.Federation.PushMinConfidence < 0 || c.Federation.PushMinConfidence > 1 {
		return fmt.Errorf("%w: %g", ErrInvalidThreshold, c.Federation.PushMinConfidence)
	}

	sum := c.Retrieval.WeightSimilarity + c.Retrieval.WeightConfidence +
		c.Retrieval.WeightRecency + c.Retrieval.WeightContext + c.Retrieval.WeightFrequency
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("%w: sum %g, want 1.0", ErrInvalidWeights, sum)
	}

	if c.Ingest.BatchSize < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, c.Ingest.BatchSize)
	}
	if c.Ingest.Shards < 1 {
		return fmt.Errorf("%w: shards %d", ErrInvalidBatchSize, c.Ingest.Shards)
	}

	for i, p := range c.Federation.Peers {
		if p.Name == "" || p.URL == "" {
			return fmt.Errorf("%w: peer %d missing name or url", ErrInvalidPeer, i)
		}
	}

	return nil
}
