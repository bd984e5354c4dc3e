package sourcemap

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// encodeVLQ base64-VLQ-encodes one signed value, the inverse of
// decodeVLQSegment's per-field decoding. A segment is its encoded fields
// concatenated (generatedColumn, sourceIndex, originalLine, originalColumn);
// commas separate segments and semicolons separate generated lines. All
// deltas here are absolute because each test map has exactly one source and
// one segment per populated line.
func encodeVLQ(value int) string {
	if value < 0 {
		value = (-value << 1) | 1
	} else {
		value = value << 1
	}
	var out strings.Builder
	for {
		digit := value & vlqBaseMask
		value >>= vlqBaseShift
		if value > 0 {
			digit |= vlqContinueBit
		}
		out.WriteByte(base64VLQChars[digit])
		if value == 0 {
			break
		}
	}
	return out.String()
}

func TestParseAndGetGenerated(t *testing.T) {
	// Generated line 42 (0-based 41), column 4 maps to original line 10
	// (0-based 9), column 0 of source "app.ts" — spec §8 scenario 4's
	// example, encoded as a single segment on an otherwise-empty map.
	var mappings strings.Builder
	for i := 0; i < 41; i++ {
		mappings.WriteByte(';')
	}
	seg := encodeVLQ(4) + encodeVLQ(0) + encodeVLQ(9) + encodeVLQ(0)
	mappings.WriteString(seg)

	raw := rawSourceMap{
		Version:  3,
		Sources:  []string{"app.ts"},
		Mappings: mappings.String(),
	}
	data, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	consumer, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	pos, ok := consumer.GetGenerated("app.ts", 9, 0)
	if !ok {
		t.Fatal("GetGenerated() returned ok=false")
	}
	if pos.Line != 41 || pos.Column != 4 {
		t.Fatalf("GetGenerated() = %+v, want {41 4}", pos)
	}

	source, origPos, ok := consumer.GetOriginal(41, 4)
	if !ok {
		t.Fatal("GetOriginal() returned ok=false")
	}
	if source != "app.ts" || origPos.Line != 9 || origPos.Column != 0 {
		t.Fatalf("GetOriginal() = %s %+v, want app.ts {9 0}", source, origPos)
	}
}

func TestGetGeneratedUnknownSource(t *testing.T) {
	raw := rawSourceMap{Version: 3, Sources: []string{"app.ts"}, Mappings: ""}
	data, _ := json.Marshal(raw)
	consumer, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if _, ok := consumer.GetGenerated("missing.ts", 0, 0); ok {
		t.Fatal("expected GetGenerated on an unknown source to report ok=false")
	}
}

func TestMapperLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.js.map")
	raw := rawSourceMap{Version: 3, Sources: []string{"app.ts"}, Mappings: ""}
	data, _ := json.Marshal(raw)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	m := NewMapper(0, 0)
	consumer, err := m.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(consumer.Sources()) != 1 || consumer.Sources()[0] != "app.ts" {
		t.Fatalf("unexpected sources: %v", consumer.Sources())
	}
}

func TestMapperLoadHTTPOverSizeCapIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2048))
	}))
	defer server.Close()

	m := NewMapper(1024, 0)
	_, err := m.Load(context.Background(), server.URL)
	if err == nil {
		t.Fatal("expected an error for a source map over the size cap")
	}
}

func TestMapperLoadDataURI(t *testing.T) {
	raw := rawSourceMap{Version: 3, Sources: []string{"inline.ts"}, Mappings: ""}
	data, _ := json.Marshal(raw)
	uri := "data:application/json;base64," + base64.StdEncoding.EncodeToString(data)

	m := NewMapper(0, 0)
	consumer, err := m.Load(context.Background(), uri)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if consumer.Sources()[0] != "inline.ts" {
		t.Fatalf("unexpected sources: %v", consumer.Sources())
	}
}

func TestMapperCachesByKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.js.map")
	raw := rawSourceMap{Version: 3, Sources: []string{"app.ts"}, Mappings: ""}
	data, _ := json.Marshal(raw)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	m := NewMapper(0, 0)
	first, err := m.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	second, err := m.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if first != second {
		t.Fatal("expected a cached Consumer pointer on the second Load")
	}
}
