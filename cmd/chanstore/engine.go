package main

import (
	"fmt"
	"io"
	"log/slog"

	"chanstore/internal/config"
	"chanstore/internal/metadata"
	"chanstore/internal/metrics"
	"chanstore/internal/storage"
	"chanstore/internal/store"
	"chanstore/internal/wal"
)

// session is an engine restored from its configured sink.
type session struct {
	engine *storage.Engine
	store  *store.Store
	wal    *wal.WAL
	closer io.Closer
}

func (s *session) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

type sinkCloser interface {
	storage.Sink
	io.Closer
}

func openSink(cfg *config.Config, logger *slog.Logger) (sinkCloser, error) {
	switch cfg.Sink.Type {
	case config.SinkSQLite:
		codec, err := store.ParseCodec(cfg.Sink.BatchCodec)
		if err != nil {
			return nil, err
		}
		return store.Open(cfg.Sink.Path, store.Options{Codec: codec, Logger: logger})
	case config.SinkWAL:
		return wal.OpenWithSecret(cfg.Sink.Path, []byte(cfg.Sink.Secret), logger)
	default:
		return nil, nil
	}
}

// openSession builds an engine from cfg and replays the sink's history into it.
func openSession(cfg *config.Config, logger *slog.Logger) (*session, error) {
	hasher, err := cfg.Hasher()
	if err != nil {
		return nil, err
	}
	encoder, err := metadata.New(cfg.Metadata.SchemaPath)
	if err != nil {
		return nil, fmt.Errorf("metadata encoder: %w", err)
	}

	opts := []storage.Option{
		storage.WithHasher(hasher),
		storage.WithEncoder(encoder),
		storage.WithLogger(logger),
		storage.WithMetrics(metrics.NewEngineMetrics(nil)),
		storage.WithCapacityPolicy(storage.MaxRecords{Limit: cfg.Policy.MaxHistoryPerChannel}),
	}
	if cfg.Policy.EnforceRetention {
		opts = append(opts, storage.WithRetentionPolicy(storage.MaxAge{}))
	}

	s := &session{}
	sink, err := openSink(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s sink: %w", cfg.Sink.Type, err)
	}
	if sink != nil {
		s.closer = sink
		opts = append(opts, storage.WithSink(sink))
		switch sk := sink.(type) {
		case *store.Store:
			s.store = sk
		case *wal.WAL:
			s.wal = sk
		}
	}

	s.engine, err = storage.New(cfg.EngineConfig(), opts...)
	if err != nil {
		s.Close()
		return nil, err
	}

	if src, ok := sink.(storage.Source); ok {
		if err := s.engine.Restore(src); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}
