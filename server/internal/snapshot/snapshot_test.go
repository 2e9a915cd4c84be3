package snapshot

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		full := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestStoragePath(t *testing.T) {
	got := StoragePath("public", "sess-1", "snap-1")
	want := "sandbox-snapshots/public/sess-1/snap-1.tar.zst"
	if got != want {
		t.Errorf("StoragePath() = %q, want %q", got, want)
	}
}

func TestPackUnpack(t *testing.T) {
	src := t.TempDir()
	files := map[string]string{
		"web/app/page.tsx":   "export default function Page() {}",
		"web/package.json":   `{"name":"web"}`,
		"slides/deck.md":     "# Deck",
		"markdown/notes.txt": strings.Repeat("note ", 1000),
	}
	writeTree(t, src, files)

	var archive bytes.Buffer
	if err := Pack(&archive, src); err != nil {
		t.Fatalf("Pack() error = %v", err)
	}

	dst := t.TempDir()
	if err := Unpack(&archive, dst); err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}

	got := readTree(t, dst)
	if len(got) != len(files) {
		t.Fatalf("extracted %d files, want %d", len(got), len(files))
	}
	for name, content := range files {
		if got[name] != content {
			t.Errorf("%s = %q, want %q", name, got[name], content)
		}
	}
}

func TestWriteTar_Prefix(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "a"})

	var buf bytes.Buffer
	if err := WriteTar(&buf, src, "outputs"); err != nil {
		t.Fatalf("WriteTar() error = %v", err)
	}

	tr := tar.NewReader(&buf)
	var names []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, hdr.Name)
	}
	if strings.Join(names, ",") != "outputs/,outputs/a.txt" {
		t.Errorf("entries = %v, want [outputs/ outputs/a.txt]", names)
	}
}

func TestExtractTar_ConfinesEntries(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range []string{"../escape.txt", "/abs.txt"} {
		body := []byte("x")
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write(body); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.WriteHeader(&tar.Header{Name: "link", Linkname: "/etc/passwd", Typeflag: tar.TypeSymlink}); err != nil {
		t.Fatal(err)
	}
	tw.Close()

	parent := t.TempDir()
	dest := filepath.Join(parent, "dest")
	if err := os.MkdirAll(dest, 0755); err != nil {
		t.Fatal(err)
	}
	if err := ExtractTar(&buf, dest); err != nil {
		t.Fatalf("ExtractTar() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(parent, "escape.txt")); err == nil {
		t.Error("entry escaped the destination")
	}
	if _, err := os.Stat(filepath.Join(dest, "abs.txt")); err != nil {
		t.Errorf("absolute entry not confined under dest: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(dest, "link")); err == nil {
		t.Error("absolute symlink was extracted")
	}
}

func TestFileStore_PutOpenDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	key := StoragePath("public", "s1", "snap")
	blob, err := store.Put(ctx, key, strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if blob.Size != 5 {
		t.Errorf("Size = %d, want 5", blob.Size)
	}
	if len(blob.Digest) != 64 {
		t.Errorf("Digest = %q, want 64 hex chars", blob.Digest)
	}

	again, err := store.Put(ctx, key+".copy", strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if again.Digest != blob.Digest {
		t.Errorf("digest not deterministic: %s != %s", again.Digest, blob.Digest)
	}

	rc, err := store.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "hello" {
		t.Errorf("Open() = %q, want hello", data)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Errorf("second Delete() error = %v, want nil", err)
	}
	if _, err := store.Open(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open() after delete error = %v, want ErrNotFound", err)
	}
}

func TestFileStore_KeyCannotEscapeRoot(t *testing.T) {
	parent := t.TempDir()
	store, err := NewFileStore(filepath.Join(parent, "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Put(context.Background(), "../outside", strings.NewReader("x")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(parent, "outside")); err == nil {
		t.Error("blob written outside the store root")
	}
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	src := t.TempDir()
	writeTree(t, src, map[string]string{"web/index.html": "<html></html>"})
	var tarBuf bytes.Buffer
	if err := WriteTar(&tarBuf, src, "outputs"); err != nil {
		t.Fatal(err)
	}

	blob, err := Save(ctx, store, "k"+Extension, &tarBuf)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if blob.Size == 0 {
		t.Error("Save() stored an empty blob")
	}

	tr, err := Load(ctx, store, "k"+Extension)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer tr.Close()

	dst := t.TempDir()
	if err := ExtractTar(tr, dst); err != nil {
		t.Fatalf("ExtractTar() error = %v", err)
	}
	got := readTree(t, dst)
	if got["outputs/web/index.html"] != "<html></html>" {
		t.Errorf("restored tree = %v", got)
	}
}
