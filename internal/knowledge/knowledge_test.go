package knowledge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFormatDocument(t *testing.T) {
	doc := FormatDocument(Record{Instruction: "capital of France?", Output: "Paris."})
	if !strings.Contains(doc, "问题 (Question): capital of France?") {
		t.Errorf("question label missing: %q", doc)
	}
	if !strings.Contains(doc, "回答 (Answer): Paris.") {
		t.Errorf("answer label missing: %q", doc)
	}
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.json")
	content := `[
		{"instruction": "q1", "output": "a1"},
		{"instruction": "q2", "output": "a2"}
	]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	recs, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(recs) != 2 || recs[0].Instruction != "q1" || recs[1].Output != "a2" {
		t.Fatalf("loaded %+v", recs)
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	if _, err := Load("notes.txt"); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func TestLoadJSONMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not an array"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestDocumentsPreservesOrder(t *testing.T) {
	recs := []Record{
		{Instruction: "first", Output: "1"},
		{Instruction: "second", Output: "2"},
	}
	docs := Documents(recs)
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
	if !strings.Contains(docs[0], "first") || !strings.Contains(docs[1], "second") {
		t.Errorf("order lost: %v", docs)
	}
}

func TestSaveLoadDocumentsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "documents.json")
	docs := []string{"doc a", "doc b", "doc c"}
	if err := SaveDocuments(path, docs); err != nil {
		t.Fatalf("SaveDocuments: %v", err)
	}
	got, err := LoadDocuments(path)
	if err != nil {
		t.Fatalf("LoadDocuments: %v", err)
	}
	if len(got) != len(docs) {
		t.Fatalf("expected %d documents, got %d", len(docs), len(got))
	}
	for i := range docs {
		if got[i] != docs[i] {
			t.Errorf("document %d: got %q, want %q", i, got[i], docs[i])
		}
	}
}
