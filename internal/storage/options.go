package storage

import (
	"log/slog"

	"chanstore/internal/hashing"
	"chanstore/internal/metadata"
	"chanstore/internal/metrics"
)

// Option configures an Engine.
type Option func(*Engine)

// WithHasher sets the digest algorithm. The default is SHA-256.
func WithHasher(h hashing.Hasher) Option {
	return func(e *Engine) {
		if h != nil {
			e.hasher = h
		}
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics bundle. The default registers on a private
// registry.
func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithSink sets the durability collaborator. The default discards changes.
func WithSink(s Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithEncoder sets the metadata encoder. The default is metadata.JSONEncoder.
func WithEncoder(enc metadata.Encoder) Option {
	return func(e *Engine) {
		if enc != nil {
			e.encoder = enc
		}
	}
}

// WithRetentionPolicy sets the retention check run before every write.
func WithRetentionPolicy(p RetentionPolicy) Option {
	return func(e *Engine) {
		if p != nil {
			e.retention = p
		}
	}
}

// WithCapacityPolicy sets the capacity check run before every write.
func WithCapacityPolicy(p CapacityPolicy) Option {
	return func(e *Engine) {
		if p != nil {
			e.capacity = p
		}
	}
}
