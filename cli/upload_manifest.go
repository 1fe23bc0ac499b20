package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alttch/sshare/backend/localfs"
	"github.com/alttch/sshare/internal"
	"github.com/alttch/sshare/pkg/errs"
	"github.com/alttch/sshare/pkg/integrity"
	"github.com/alttch/sshare/pkg/transfer"
	"gopkg.in/yaml.v3"
)

// manifestDocument describes a batch upload. Relative paths are resolved
// against the directory holding the manifest.
//
//	version: 1
//	defaults:
//	  expires: 7d
//	  checksum: sha512
//	files:
//	  - path: report.pdf
//	    name: Q3 report.pdf
//	    one_shot: true
//	  - path: [logs/, notes.txt]
//	    recursive: true
type manifestDocument struct {
	Version  int             `json:"version" yaml:"version"`
	Defaults manifestOptions `json:"defaults" yaml:"defaults"`
	Files    []manifestEntry `json:"files" yaml:"files"`
}

type manifestOptions struct {
	Expires   *string `json:"expires" yaml:"expires"`
	OneShot   *bool   `json:"one_shot" yaml:"one_shot"`
	Checksum  *string `json:"checksum" yaml:"checksum"`
	Recursive *bool   `json:"recursive" yaml:"recursive"`
}

type manifestEntry struct {
	Path stringList `json:"path" yaml:"path"`
	Name string     `json:"name" yaml:"name"`
	manifestOptions `yaml:",inline"`
}

// stringList accepts either a single string or a list of strings.
type stringList []string

func (s *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var value string
		if err := node.Decode(&value); err != nil {
			return err
		}
		*s = compactStrings([]string{value})
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*s = compactStrings(list)
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", node.Line)
	}
}

func (s *stringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = nil
		return nil
	}
	if data[0] == '"' {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*s = compactStrings([]string{value})
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = compactStrings(list)
	return nil
}

func compactStrings(in []string) []string {
	var out []string
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func loadManifest(path string) (*manifestDocument, error) {
	const op = "manifest"
	data, err := os.ReadFile(internal.ExpandPath(path))
	if err != nil {
		return nil, errs.LocalIO("read", path, err)
	}
	var doc manifestDocument
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&doc)
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&doc)
	}
	if err != nil {
		return nil, errs.Usage(op, fmt.Errorf("parse %s: %w", path, err))
	}
	if doc.Version == 0 {
		doc.Version = 1
	}
	if doc.Version != 1 {
		return nil, errs.Usagef(op, "unsupported manifest version %d", doc.Version)
	}
	if len(doc.Files) == 0 {
		return nil, errs.Usagef(op, "%s lists no files", path)
	}
	for i, f := range doc.Files {
		if len(f.Path) == 0 {
			return nil, errs.Usagef(op, "files[%d] missing path", i)
		}
	}
	return &doc, nil
}

// manifestBase carries the command line values a manifest falls back to.
type manifestBase struct {
	Expires   string
	OneShot   bool
	Checksum  string
	Recursive bool
	Resume    bool
}

func mergeManifestOptions(base manifestBase, opts ...manifestOptions) manifestBase {
	for _, o := range opts {
		if o.Expires != nil {
			base.Expires = *o.Expires
		}
		if o.OneShot != nil {
			base.OneShot = *o.OneShot
		}
		if o.Checksum != nil {
			base.Checksum = *o.Checksum
		}
		if o.Recursive != nil {
			base.Recursive = *o.Recursive
		}
	}
	return base
}

// requests expands the manifest into upload requests. Entry settings
// override the manifest defaults, which override base.
func (doc *manifestDocument) requests(dir string, base manifestBase) ([]transfer.Request, error) {
	const op = "manifest"
	var reqs []transfer.Request
	for i, entry := range doc.Files {
		eff := mergeManifestOptions(base, doc.Defaults, entry.manifestOptions)
		expires, err := internal.ParseExpiry(eff.Expires)
		if err != nil {
			return nil, errs.Usage(op, fmt.Errorf("files[%d]: %w", i, err))
		}
		alg, err := integrity.ParseAlgorithm(eff.Checksum)
		if err != nil {
			return nil, err
		}
		roots := make([]string, 0, len(entry.Path))
		for _, p := range entry.Path {
			p = internal.ExpandPath(p)
			if !filepath.IsAbs(p) {
				p = filepath.Join(dir, p)
			}
			roots = append(roots, p)
		}
		files, err := localfs.NewFileSystemLister(eff.Recursive).List(roots...)
		if err != nil {
			return nil, err
		}
		if entry.Name != "" && len(files) != 1 {
			return nil, errs.Usagef(op, "files[%d]: name needs exactly one file, got %d", i, len(files))
		}
		for _, f := range files {
			reqs = append(reqs, transfer.Request{
				Source:       f.AbsPath,
				ExpectedSize: f.Size,
				Algorithm:    alg,
				Name:         entry.Name,
				Expires:      expires,
				OneShot:      eff.OneShot,
				Resume:       base.Resume,
			})
		}
	}
	return reqs, nil
}
