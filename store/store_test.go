package store

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/chazu/sling/svm"
)

func testProgram() *svm.Program {
	return &svm.Program{
		Strings: []string{"s"},
		Functions: []svm.Function{{
			StackSize: 1,
			Instrs: []svm.Instr{
				{Op: svm.OpLGCI, I: []int32{42}},
				{Op: svm.OpDONE},
			},
		}},
	}
}

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "programs.db"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTemp(t)
	p := testProgram()
	key, err := HashProgram(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(key, p); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	back, err := s.Get(key)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !reflect.DeepEqual(p, back) {
		t.Errorf("round trip mismatch:\nwant %+v\ngot  %+v", p, back)
	}
}

func TestGetMissing(t *testing.T) {
	s := openTemp(t)
	if _, err := s.Get(HashSource("nothing")); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestHas(t *testing.T) {
	s := openTemp(t)
	p := testProgram()
	key := HashSource("some source")
	ok, err := s.Has(key)
	if err != nil || ok {
		t.Fatalf("Has before put = %v, %v", ok, err)
	}
	if err := s.Put(key, p); err != nil {
		t.Fatal(err)
	}
	ok, err = s.Has(key)
	if err != nil || !ok {
		t.Fatalf("Has after put = %v, %v", ok, err)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s := openTemp(t)
	p := testProgram()
	key := HashSource("idem")
	if err := s.Put(key, p); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(key, p); err != nil {
		t.Fatalf("second put failed: %v", err)
	}
	n, err := s.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestHashProgramIsStable(t *testing.T) {
	a, err := HashProgram(testProgram())
	if err != nil {
		t.Fatal(err)
	}
	b, err := HashProgram(testProgram())
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("identical programs hash differently")
	}
	other := testProgram()
	other.Functions[0].Instrs[0].I[0] = 43
	c, err := HashProgram(other)
	if err != nil {
		t.Fatal(err)
	}
	if a == c {
		t.Error("different programs hash identically")
	}
}
