package main

import (
	"fmt"
	"os"

	"mimic/internal/annindex"
	"mimic/internal/config"
	"mimic/internal/embedding"
	"mimic/internal/indexer"
	"mimic/internal/pairing"
	"mimic/internal/react"
	"mimic/internal/store"
)

// components holds everything the subcommands share: the store, the two
// vector indexes and the managers built on top of them.
type components struct {
	store   *store.Store
	index   *annindex.Index
	reactIx *annindex.Index
	engine  embedding.Engine
	manager *indexer.Manager
	reactor *react.Responder
}

func openComponents(cfg *config.Config) (*components, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s, err := store.Open(cfg.Database.Path, cfg.Index.Path)
	if err != nil {
		return nil, err
	}

	ix, err := annindex.Open(cfg.Index.Path, cfg.Index.Dimensions)
	if err != nil {
		s.Close()
		return nil, err
	}
	reactIx, err := annindex.Open(cfg.Index.ReactPath, cfg.Index.Dimensions)
	if err != nil {
		ix.Close()
		s.Close()
		return nil, err
	}

	engine, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		reactIx.Close()
		ix.Close()
		s.Close()
		return nil, err
	}

	return &components{
		store:   s,
		index:   ix,
		reactIx: reactIx,
		engine:  engine,
		manager: indexer.NewManager(s, ix, engine, pairing.NewResolver(s), cfg.Index.SearchK),
		reactor: react.NewResponder(s, reactIx, engine, cfg.React.MaxDistance),
	}, nil
}

func (c *components) Close() {
	c.reactIx.Close()
	c.index.Close()
	c.store.Close()
}
