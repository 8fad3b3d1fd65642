package knowledge

import (
	"bytes"
	_ "embed"
	"io"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	"gopkg.in/yaml.v3"
)

//go:embed samples.yaml
var sampleDocuments []byte

type seedFile struct {
	Documents []*model.Document `yaml:"documents"`
}

// LoadSeed reads documents from a YAML stream of the form
// "documents: [{title, content, category, tags}]"
func LoadSeed(r io.Reader) ([]*model.Document, error) {
	var file seedFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "failed to decode seed documents", goerr.V("cause", err.Error()))
	}

	// null list entries ("- " or "~") carry nothing to index
	docs := make([]*model.Document, 0, len(file.Documents))
	for _, d := range file.Documents {
		if d != nil {
			docs = append(docs, d)
		}
	}
	return docs, nil
}

// LoadSeedFile reads seed documents from path, or the built-in samples when
// path is empty
func LoadSeedFile(path string) ([]*model.Document, error) {
	if path == "" {
		return LoadSeed(bytes.NewReader(sampleDocuments))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open seed file", goerr.V("path", path))
	}
	defer f.Close()

	docs, err := LoadSeed(f)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid seed file", goerr.V("path", path))
	}
	return docs, nil
}
