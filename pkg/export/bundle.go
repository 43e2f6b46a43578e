// Package export renders submissions into deterministic tar.gz bundles and
// stores them content-addressed.
package export

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"
)

const (
	ManifestName = "manifest.json"
	FormatV1     = "discloser-export/v1"
)

var ErrCorruptBundle = errors.New("corrupt export bundle")

// Manifest is written first in every bundle.
type Manifest struct {
	Format         string            `json:"format"`
	SubmissionID   string            `json:"submission_id"`
	CaseID         string            `json:"case_id"`
	OrganizationID string            `json:"organization_id"`
	SubmissionType string            `json:"submission_type"`
	SchemaVersion  string            `json:"schema_version"`
	DetectedAt     string            `json:"detected_at"`
	AuditHead      *AuditHead        `json:"audit_head,omitempty"`
	FileHashes     map[string]string `json:"file_hashes"`
}

type AuditHead struct {
	Sequence uint64 `json:"sequence"`
	Hash     string `json:"hash"`
}

// Build writes manifest.json then files in sorted order. Headers carry a
// fixed mtime and owner so equal inputs give equal bytes.
func Build(m Manifest, files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		if name == ManifestName {
			return nil, fmt.Errorf("file name %q is reserved", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	m.FileHashes = make(map[string]string, len(names))
	for _, name := range names {
		m.FileHashes[name] = sha256hex(files[name])
	}
	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.ModTime = time.Unix(0, 0)
	tw := tar.NewWriter(gw)

	if err := writeEntry(tw, ManifestName, manifest); err != nil {
		return nil, err
	}
	for _, name := range names {
		if err := writeEntry(tw, name, files[name]); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Size:    int64(len(data)),
		Mode:    0644,
		ModTime: time.Unix(0, 0),
		Format:  tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write data %s: %w", name, err)
	}
	return nil
}

// Read unpacks a bundle and checks every file against the manifest.
func Read(bundle []byte) (*Manifest, map[string][]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(bundle))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: gzip: %v", ErrCorruptBundle, err)
	}
	defer func() { _ = gr.Close() }()

	tr := tar.NewReader(gr)
	var manifest *Manifest
	files := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: tar: %v", ErrCorruptBundle, err)
		}
		data, err := io.ReadAll(io.LimitReader(tr, 64<<20))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: read %s: %v", ErrCorruptBundle, hdr.Name, err)
		}
		if hdr.Name == ManifestName {
			var m Manifest
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, nil, fmt.Errorf("%w: decode manifest: %v", ErrCorruptBundle, err)
			}
			manifest = &m
			continue
		}
		files[hdr.Name] = data
	}
	if manifest == nil {
		return nil, nil, fmt.Errorf("%w: %s not found", ErrCorruptBundle, ManifestName)
	}
	if len(manifest.FileHashes) != len(files) {
		return nil, nil, fmt.Errorf("%w: manifest lists %d files, bundle has %d", ErrCorruptBundle, len(manifest.FileHashes), len(files))
	}
	for name, want := range manifest.FileHashes {
		data, ok := files[name]
		if !ok {
			return nil, nil, fmt.Errorf("%w: missing %s", ErrCorruptBundle, name)
		}
		if got := sha256hex(data); got != want {
			return nil, nil, fmt.Errorf("%w: %s hash %s, manifest says %s", ErrCorruptBundle, name, got, want)
		}
	}
	return manifest, files, nil
}

func sha256hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
