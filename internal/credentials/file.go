package credentials

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/dkn-bridge/internal/cloud"
)

const (
	dirPermissions  = 0750
	filePermissions = 0600
)

// YAML keys of a platform record.
const (
	keyPlatforms    = "platforms"
	keyPlatform     = "platform"
	keyToken        = "token"
	keyRefreshToken = "refreshToken"
)

// FileStore keeps tokens in a YAML document of the form
//
//	platforms:
//	  - platform: DknCloudNA
//	    token: ...
//	    refreshToken: ...
//
// Other records and keys in the document are preserved on save.
type FileStore struct {
	path     string
	platform string
	mu       sync.Mutex
}

// NewFileStore returns a store for platform's record in the file at path.
func NewFileStore(path, platform string) *FileStore {
	if platform == "" {
		platform = DefaultPlatform
	}
	return &FileStore{path: path, platform: platform}
}

type fileRecord struct {
	Platform     string `yaml:"platform"`
	Token        string `yaml:"token"`
	RefreshToken string `yaml:"refreshToken"`
}

// Load implements Store.
func (s *FileStore) Load(_ context.Context) (cloud.Tokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return cloud.Tokens{}, ErrNotFound
	}
	if err != nil {
		return cloud.Tokens{}, fmt.Errorf("reading credentials: %w", err)
	}

	var doc struct {
		Platforms []fileRecord `yaml:"platforms"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return cloud.Tokens{}, fmt.Errorf("parsing credentials: %w", err)
	}
	for _, r := range doc.Platforms {
		if r.Platform == s.platform {
			return cloud.Tokens{Token: r.Token, RefreshToken: r.RefreshToken}, nil
		}
	}
	return cloud.Tokens{}, ErrNotFound
}

// Save implements Store. The document is rewritten atomically.
func (s *FileStore) Save(_ context.Context, tokens cloud.Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc yaml.Node
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("reading credentials: %w", err)
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing credentials: %w", err)
		}
	}

	root := documentRoot(&doc)
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("credentials: %s is not a mapping", s.path)
	}
	platforms := mappingValue(root, keyPlatforms, yaml.SequenceNode)
	if platforms.Kind == yaml.ScalarNode && platforms.Tag == "!!null" {
		platforms.Kind, platforms.Tag, platforms.Value = yaml.SequenceNode, "!!seq", ""
	}
	if platforms.Kind != yaml.SequenceNode {
		return fmt.Errorf("credentials: %s is not a list", keyPlatforms)
	}
	record := findRecord(platforms, s.platform)
	setScalar(record, keyToken, tokens.Token)
	setScalar(record, keyRefreshToken, tokens.RefreshToken)

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	return writeAtomic(s.path, out)
}

// documentRoot returns the top-level mapping, creating it for an empty document.
func documentRoot(doc *yaml.Node) *yaml.Node {
	if doc.Kind == 0 {
		doc.Kind = yaml.DocumentNode
	}
	if len(doc.Content) == 0 {
		doc.Content = []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}
	}
	return doc.Content[0]
}

// mappingValue returns the value under key, adding an empty node of kind.
func mappingValue(m *yaml.Node, key string, kind yaml.Kind) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	v := &yaml.Node{Kind: kind}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, v)
	return v
}

// findRecord returns the mapping in seq whose platform is name, appending one if absent.
func findRecord(seq *yaml.Node, name string) *yaml.Node {
	for _, item := range seq.Content {
		if item.Kind != yaml.MappingNode {
			continue
		}
		for i := 0; i+1 < len(item.Content); i += 2 {
			if item.Content[i].Value == keyPlatform && item.Content[i+1].Value == name {
				return item
			}
		}
	}
	rec := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	setScalar(rec, keyPlatform, name)
	seq.Content = append(seq.Content, rec)
	return rec
}

func setScalar(m *yaml.Node, key, value string) {
	v := mappingValue(m, key, yaml.ScalarNode)
	v.Kind = yaml.ScalarNode
	v.Tag = "!!str"
	v.Value = value
	v.Content = nil
}

// writeAtomic replaces path with data via a temporary file in the same directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	name := tmp.Name()
	defer os.Remove(name) //nolint:errcheck // gone after rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck // already failing
		return fmt.Errorf("writing credentials: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck // already failing
		return fmt.Errorf("syncing credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing credentials: %w", err)
	}
	if err := os.Chmod(name, filePermissions); err != nil {
		return fmt.Errorf("restricting credentials: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("replacing credentials: %w", err)
	}
	return nil
}
