package anchor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileSink writes chain digests to a local directory. Useful for
// air-gapped deployments and for tests.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create anchor dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Name() string { return "file:" + s.dir }

func (s *FileSink) Put(_ context.Context, d *Digest) error {
	data, err := marshalDigest(d)
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, objectKey("", d))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write digest: %w", err)
	}
	return nil
}
