package project

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"tsstage/internal/apperr"
)

// Loader opens a descriptor by path.
type Loader interface {
	Open(path string) (*Descriptor, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(path string) (*Descriptor, error)

func (f LoaderFunc) Open(path string) (*Descriptor, error) { return f(path) }

// FileLoader reads descriptors from disk. Files ending in .yaml or .yml are
// decoded as YAML, everything else as MSBuild XML.
type FileLoader struct{}

func NewFileLoader() *FileLoader {
	return &FileLoader{}
}

func (l *FileLoader) Open(path string) (*Descriptor, error) {
	if path == "" {
		return nil, apperr.Contract("descriptor path is empty")
	}
	abs := Key(path)

	f, err := os.Open(abs)
	if err != nil {
		return nil, apperr.New(apperr.KindDescriptor, "open "+abs, err)
	}
	defer f.Close()

	var items []Item
	switch strings.ToLower(filepath.Ext(abs)) {
	case ".yaml", ".yml":
		items, err = decodeYAML(f)
	default:
		items, err = decodeMSBuild(f)
	}
	if err != nil {
		return nil, apperr.New(apperr.KindDescriptor, "parse "+abs, err)
	}

	return &Descriptor{
		Path:  abs,
		Dir:   filepath.Dir(abs),
		Items: items,
	}, nil
}

// decodeMSBuild collects every element that sits directly inside an
// ItemGroup, wherever the ItemGroup appears. Elements without an Include
// attribute (Update/Remove forms) declare nothing and are skipped.
func decodeMSBuild(r io.Reader) ([]Item, error) {
	dec := xml.NewDecoder(r)
	var (
		stack []string
		items []Item
		root  bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if len(stack) == 0 {
				if t.Name.Local != "Project" {
					return nil, fmt.Errorf("root element is <%s>, want <Project>", t.Name.Local)
				}
				root = true
			}
			if len(stack) > 0 && stack[len(stack)-1] == "ItemGroup" {
				for _, attr := range t.Attr {
					if attr.Name.Local == "Include" {
						items = append(items, Item{Kind: t.Name.Local, Include: normalizeInclude(attr.Value)})
						break
					}
				}
			}
			stack = append(stack, t.Name.Local)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if !root {
		return nil, errors.New("no <Project> element")
	}
	return items, nil
}

type yamlDescriptor struct {
	Items []Item `yaml:"items"`
}

func decodeYAML(r io.Reader) ([]Item, error) {
	var doc yamlDescriptor
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	items := make([]Item, 0, len(doc.Items))
	for _, it := range doc.Items {
		if it.Include == "" {
			continue
		}
		it.Include = normalizeInclude(it.Include)
		items = append(items, it)
	}
	return items, nil
}
