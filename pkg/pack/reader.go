// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package pack

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/DataDog/zstd"

	"github.com/Jaso1024/poe/pkg/store"
)

// Pack is an opened .poepack archive: its preview summary and metadata
// are decoded eagerly; trace.sqlite is extracted to a temp file and
// opened lazily since most callers only need Store() once.
type Pack struct {
	Summary     Summary
	Environment Environment
	StdoutTail  []byte
	StderrTail  []byte

	path      string
	storePath string
	store     *store.Store
}

// Open reads a .poepack archive's summary and metadata and stages
// trace.sqlite for on-demand querying. Callers should Close the Pack when
// done to remove the staged sqlite file.
func Open(path string) (*Pack, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("pack: open %s: %w", path, err)
	}
	defer zr.Close()

	p := &Pack{path: path}
	stagingDir, err := os.MkdirTemp("", "poe-pack-*")
	if err != nil {
		return nil, fmt.Errorf("pack: stage temp dir: %w", err)
	}

	for _, f := range zr.File {
		switch f.Name {
		case "summary.json":
			if err := readJSON(f, &p.Summary); err != nil {
				os.RemoveAll(stagingDir)
				return nil, err
			}
		case "meta/environment.json":
			if err := readJSON(f, &p.Environment); err != nil {
				os.RemoveAll(stagingDir)
				return nil, err
			}
		case "artifacts/stdout.log.zst":
			if p.StdoutTail, err = readZstd(f); err != nil {
				os.RemoveAll(stagingDir)
				return nil, err
			}
		case "artifacts/stderr.log.zst":
			if p.StderrTail, err = readZstd(f); err != nil {
				os.RemoveAll(stagingDir)
				return nil, err
			}
		case "trace.sqlite":
			dst := filepath.Join(stagingDir, "trace.sqlite")
			if err := extractTo(f, dst); err != nil {
				os.RemoveAll(stagingDir)
				return nil, err
			}
			p.storePath = dst
		}
	}

	if p.storePath == "" {
		os.RemoveAll(stagingDir)
		return nil, fmt.Errorf("pack: %s missing trace.sqlite entry", path)
	}
	return p, nil
}

// Store lazily opens the staged trace.sqlite for read-side queries.
func (p *Pack) Store() (*store.Store, error) {
	if p.store != nil {
		return p.store, nil
	}
	st, err := store.OpenReadOnly(p.storePath)
	if err != nil {
		return nil, err
	}
	p.store = st
	return st, nil
}

// Close releases the staged sqlite file and any open store handle.
func (p *Pack) Close() error {
	if p.store != nil {
		p.store.Close()
	}
	return os.RemoveAll(filepath.Dir(p.storePath))
}

func readJSON(f *zip.File, v interface{}) error {
	b, err := readAll(f)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("pack: decode %s: %w", f.Name, err)
	}
	return nil
}

func readAll(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("pack: open entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("pack: read entry %s: %w", f.Name, err)
	}
	return b, nil
}

func readZstd(f *zip.File) ([]byte, error) {
	raw, err := readAll(f)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	out, err := zstd.Decompress(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("pack: decompress entry %s: %w", f.Name, err)
	}
	return out, nil
}

func extractTo(f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("pack: open entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("pack: create staged file %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("pack: extract entry %s: %w", f.Name, err)
	}
	return nil
}
