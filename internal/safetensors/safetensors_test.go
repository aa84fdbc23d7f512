package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// writeRaw writes a safetensors file with an arbitrary header and payload.
func writeRaw(t *testing.T, path string, header any, payload []byte) {
	t.Helper()
	hb, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	buf.Write(lenBuf[:])
	buf.Write(hb)
	buf.Write(payload)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func TestWriteThenOpen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")

	tensors := map[string][]float32{
		"wte.weight": {1, 2, 3, 4, 5, 6},
		"ln_f.bias":  {-1, 0.5},
	}
	shapes := map[string][]int{
		"wte.weight": {3, 2},
		"ln_f.bias":  {2},
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := Write(f, []string{"wte.weight", "ln_f.bias"}, tensors, shapes); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_ = f.Close()

	sf, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = sf.Close() }()

	if len(sf.Tensors) != 2 {
		t.Fatalf("expected 2 tensors, got %d", len(sf.Tensors))
	}
	got, info, err := sf.ReadTensorF32("wte.weight")
	if err != nil {
		t.Fatalf("ReadTensorF32: %v", err)
	}
	if len(info.Shape) != 2 || info.Shape[0] != 3 || info.Shape[1] != 2 {
		t.Fatalf("unexpected shape %v", info.Shape)
	}
	for i, v := range tensors["wte.weight"] {
		if got[i] != v {
			t.Fatalf("element %d: got %v want %v", i, got[i], v)
		}
	}
	bias, _, err := sf.ReadTensorF32("ln_f.bias")
	if err != nil {
		t.Fatalf("ReadTensorF32 bias: %v", err)
	}
	if bias[0] != -1 || bias[1] != 0.5 {
		t.Fatalf("unexpected bias %v", bias)
	}
}

func TestWriteRejectsShapeMismatch(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	err := Write(&buf, []string{"a"}, map[string][]float32{"a": {1, 2, 3}}, map[string][]int{"a": {2, 2}})
	if err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	if _, err := Open(filepath.Join(dir, "missing.safetensors")); err == nil {
		t.Fatal("expected error for missing file")
	}

	short := filepath.Join(dir, "short.safetensors")
	if err := os.WriteFile(short, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(short); err == nil {
		t.Fatal("expected error for truncated file")
	}

	badJSON := filepath.Join(dir, "bad.safetensors")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 12)
	if err := os.WriteFile(badJSON, append(lenBuf[:], []byte("not valid js")...), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(badJSON); err == nil {
		t.Fatal("expected error for invalid header json")
	}

	overflow := filepath.Join(dir, "overflow.safetensors")
	binary.LittleEndian.PutUint64(lenBuf[:], 1<<40)
	if err := os.WriteFile(overflow, lenBuf[:], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(overflow); err == nil {
		t.Fatal("expected error for oversized header length")
	}
}

func TestOpenRejectsBadOffsets(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	cases := map[string]map[string]any{
		"single-offset": {"t": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0}}},
		"inverted":      {"t": map[string]any{"dtype": "F32", "shape": []int{2}, "data_offsets": []int64{8, 0}}},
		"past-payload":  {"t": map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int64{0, 16}}},
	}
	for name, header := range cases {
		path := filepath.Join(dir, name+".safetensors")
		writeRaw(t, path, header, make([]byte, 8))
		if _, err := Open(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestMetadataIgnored(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "meta.safetensors")
	writeRaw(t, path, map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"t":            map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int64{0, 16}},
	}, make([]byte, 16))

	sf, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = sf.Close() }()
	if len(sf.Tensors) != 1 {
		t.Fatalf("expected metadata to be excluded, got %d tensors", len(sf.Tensors))
	}
	if _, _, err := sf.ReadTensor("missing"); err == nil {
		t.Fatal("expected error for missing tensor")
	}
}

func TestReadTensorHalfPrecision(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint16(payload[0:], 0x3C00) // f16 1.0
	binary.LittleEndian.PutUint16(payload[2:], 0xC000) // f16 -2.0
	binary.LittleEndian.PutUint16(payload[4:], 0x3F80) // bf16 1.0
	binary.LittleEndian.PutUint16(payload[6:], 0x4040) // bf16 3.0

	var buf bytes.Buffer
	hb, _ := json.Marshal(map[string]any{
		"half":  map[string]any{"dtype": "F16", "shape": []int{2}, "data_offsets": []int64{0, 4}},
		"brain": map[string]any{"dtype": "BF16", "shape": []int{2}, "data_offsets": []int64{4, 8}},
		"ints":  map[string]any{"dtype": "I32", "shape": []int{1}, "data_offsets": []int64{0, 4}},
	})
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	buf.Write(lenBuf[:])
	buf.Write(hb)
	buf.Write(payload)

	sf, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	half, _, err := sf.ReadTensorF32("half")
	if err != nil {
		t.Fatalf("F16: %v", err)
	}
	if half[0] != 1 || half[1] != -2 {
		t.Fatalf("unexpected f16 values %v", half)
	}
	brain, _, err := sf.ReadTensorF32("brain")
	if err != nil {
		t.Fatalf("BF16: %v", err)
	}
	if brain[0] != 1 || brain[1] != 3 {
		t.Fatalf("unexpected bf16 values %v", brain)
	}
	if _, _, err := sf.ReadTensorF32("ints"); err == nil {
		t.Fatal("expected unsupported dtype error")
	}
}

func TestDecodeF32SizeMismatch(t *testing.T) {
	t.Parallel()
	if _, err := decodeF32("F32", make([]byte, 8), 4); err == nil {
		t.Fatal("expected size mismatch error")
	}
	out, err := decodeF32("F32", binary.LittleEndian.AppendUint32(nil, math.Float32bits(2.5)), 1)
	if err != nil || out[0] != 2.5 {
		t.Fatalf("unexpected decode result %v, %v", out, err)
	}
}

func TestNumElements(t *testing.T) {
	t.Parallel()

	tests := []struct {
		shape    []int
		expected int
		wantErr  bool
	}{
		{[]int{2, 3}, 6, false},
		{[]int{13317, 64}, 852288, false},
		{[]int{}, 0, true},
		{[]int{0}, 0, true},
		{[]int{2, -1}, 0, true},
	}
	for _, tc := range tests {
		n, err := numElements(tc.shape)
		if tc.wantErr {
			if err == nil {
				t.Errorf("numElements(%v): expected error", tc.shape)
			}
			continue
		}
		if err != nil || n != tc.expected {
			t.Errorf("numElements(%v) = %d, %v; want %d", tc.shape, n, err, tc.expected)
		}
	}
}
