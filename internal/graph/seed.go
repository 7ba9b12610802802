package graph

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/sentinel/model"
)

// Seed is a YAML document of nodes and relationships used to bootstrap a
// knowledge graph.
type Seed struct {
	Nodes         []model.GraphNode         `yaml:"nodes"`
	Relationships []model.GraphRelationship `yaml:"relationships"`

	// Checksum is the SHA-256 of the source bytes; SourceFile is the path
	// the seed was read from.
	Checksum   string `yaml:"-"`
	SourceFile string `yaml:"-"`
}

// LoadSeed reads a seed from path. When path is a directory every *.yaml
// and *.yml file beneath it is loaded in lexical order and merged.
func LoadSeed(path string) (Seed, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Seed{}, fmt.Errorf("reading seed %s: %w", path, err)
	}
	if !info.IsDir() {
		return loadSeedFile(path)
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return Seed{}, fmt.Errorf("scanning seed directory %s: %w", path, err)
	}
	sort.Strings(files)

	merged := Seed{SourceFile: path}
	h := sha256.New()
	for _, f := range files {
		s, err := loadSeedFile(f)
		if err != nil {
			return Seed{}, err
		}
		merged.Nodes = append(merged.Nodes, s.Nodes...)
		merged.Relationships = append(merged.Relationships, s.Relationships...)
		h.Write([]byte(s.Checksum))
	}
	merged.Checksum = fmt.Sprintf("%x", h.Sum(nil))
	return merged, nil
}

func loadSeedFile(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("reading %s: %w", path, err)
	}
	s, err := ParseSeed(data)
	if err != nil {
		return Seed{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	s.SourceFile = path
	return s, nil
}

// ParseSeed decodes a seed document.
func ParseSeed(data []byte) (Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Seed{}, err
	}
	s.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return s, nil
}

// ApplySeed creates the seed's nodes then its relationships in store.
// Entries that already exist are skipped, so applying the same seed twice is
// a no-op. Returns the number of nodes and relationships created.
func ApplySeed(ctx context.Context, store Store, seed Seed) (nodes, rels int, err error) {
	for _, sn := range seed.Nodes {
		n, err := NewNode(sn.ID, sn.Type, sn.Properties)
		if err != nil {
			return nodes, rels, fmt.Errorf("seed node %q: %w", sn.ID, err)
		}
		if err := store.CreateNode(ctx, n); err != nil {
			if model.IsCode(err, model.ErrConflict) {
				continue
			}
			return nodes, rels, fmt.Errorf("seed node %q: %w", sn.ID, err)
		}
		nodes++
	}

	for _, sr := range seed.Relationships {
		r, err := NewRelationship(sr.ID, sr.Type, sr.SourceID, sr.TargetID, sr.Properties.Strength, sr.Properties.Confidence)
		if err != nil {
			return nodes, rels, fmt.Errorf("seed relationship %q: %w", sr.ID, err)
		}
		if sr.Properties.EvidenceCount > 0 {
			r.Properties.EvidenceCount = sr.Properties.EvidenceCount
		}
		if err := store.CreateRelationship(ctx, r); err != nil {
			if model.IsCode(err, model.ErrConflict) {
				continue
			}
			return nodes, rels, fmt.Errorf("seed relationship %q: %w", sr.ID, err)
		}
		rels++
	}
	return nodes, rels, nil
}
