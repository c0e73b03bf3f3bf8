// Package knowledge loads the static knowledge base and turns it into
// the documents the vector index is built over.
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Record is one knowledge entry: a prompt-like instruction and the
// answer it should ground.
type Record struct {
	Instruction string `json:"instruction"`
	Output      string `json:"output"`
}

// FormatDocument renders a record into the text fed to the embedding
// function. The bilingual labels are a fixed part of the format: the
// knowledge corpus and the embedding model are Chinese-first, and
// indexed documents must embed identically across rebuilds.
func FormatDocument(r Record) string {
	return fmt.Sprintf("问题 (Question): %s\n回答 (Answer): %s", r.Instruction, r.Output)
}

// Documents renders all records in order.
func Documents(recs []Record) []string {
	docs := make([]string, len(recs))
	for i, r := range recs {
		docs[i] = FormatDocument(r)
	}
	return docs
}

// Load reads records from a source file, dispatching on extension:
// .json expects an array of {instruction, output} objects, .pdf is
// split into one record per paragraph.
func Load(path string) ([]Record, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return LoadJSON(path)
	case ".pdf":
		return LoadPDF(path)
	default:
		return nil, fmt.Errorf("unsupported knowledge source %q (want .json or .pdf)", path)
	}
}

// LoadJSON reads an array of records.
func LoadJSON(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading knowledge file: %w", err)
	}
	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("parsing knowledge file %s: %w", path, err)
	}
	return recs, nil
}

// LoadPDF extracts plain text page by page and emits one record per
// paragraph, labeled with the file and page it came from.
func LoadPDF(path string) ([]Record, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	base := filepath.Base(path)
	var recs []Record
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extracting pdf page %d: %w", i, err)
		}
		for _, para := range strings.Split(text, "\n\n") {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			recs = append(recs, Record{
				Instruction: fmt.Sprintf("%s (page %d)", base, i),
				Output:      para,
			})
		}
	}
	return recs, nil
}

// SaveDocuments writes the document sidecar that accompanies a
// persisted index blob. Document order is the index id order, so the
// sidecar must never be edited by hand.
func SaveDocuments(path string, docs []string) error {
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding documents: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing documents sidecar: %w", err)
	}
	return nil
}

// LoadDocuments reads a sidecar written by SaveDocuments.
func LoadDocuments(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading documents sidecar: %w", err)
	}
	var docs []string
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("parsing documents sidecar %s: %w", path, err)
	}
	return docs, nil
}
