package session

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/chazu/sling/ast"
	"github.com/chazu/sling/cse"
	"github.com/chazu/sling/diag"
	"github.com/chazu/sling/parse"
	"github.com/chazu/sling/svm"
)

func newSession(t *testing.T, opts Options) *Session {
	t.Helper()
	s, err := New(opts, cse.Hooks{})
	if err != nil {
		t.Fatalf("session creation failed: %v", err)
	}
	return s
}

func runSource(t *testing.T, s *Session, src string) Result {
	t.Helper()
	r, err := s.RunSource(src, "test.js")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	return r
}

func wantFinishedNumber(t *testing.T, s *Session, r Result, want float64) {
	t.Helper()
	if r.Status != cse.StatusFinished {
		t.Fatalf("status = %v, errors = %s", r.Status, s.FormatErrors())
	}
	if !r.Value.IsNumber() || r.Value.Float64() != want {
		t.Errorf("result = %s, want %v", s.DisplayValue(r.Value), want)
	}
}

// ---------------------------------------------------------------------------
// End-to-end scenarios
// ---------------------------------------------------------------------------

func TestRunArithmetic(t *testing.T) {
	s := newSession(t, DefaultOptions())
	r := runSource(t, s, "1 + 2 * 3;")
	wantFinishedNumber(t, s, r, 7)
	if s.State() != StateFinished {
		t.Errorf("state = %v, want Finished", s.State())
	}
}

func TestRunFactorial(t *testing.T) {
	s := newSession(t, DefaultOptions())
	r := runSource(t, s, "const f = n => n === 0 ? 1 : n * f(n - 1); f(5);")
	wantFinishedNumber(t, s, r, 120)
}

func TestRunDeepTailRecursion(t *testing.T) {
	s := newSession(t, DefaultOptions())
	r := runSource(t, s, "const f = (n, a) => n === 0 ? a : f(n - 1, n * a); f(10000, 1);")
	if r.Status != cse.StatusFinished {
		t.Fatalf("status = %v, errors = %s", r.Status, s.FormatErrors())
	}
}

func TestConstAssignmentError(t *testing.T) {
	s := newSession(t, DefaultOptions())
	r := runSource(t, s, "const x = 1; x = 2;")
	if r.Status != cse.StatusError {
		t.Fatalf("status = %v, want Error", r.Status)
	}
	re, ok := r.Errors[0].(*diag.RuntimeError)
	if !ok || re.Code != diag.ConstAssignment {
		t.Errorf("error = %v, want ConstAssignment", r.Errors[0])
	}
	if s.State() != StateErrored {
		t.Errorf("state = %v, want Errored", s.State())
	}
}

func TestDisplayList(t *testing.T) {
	var shown []string
	hooks := cse.Hooks{
		RawDisplay: func(rt *cse.Runtime, v cse.Value, tag string) {
			shown = append(shown, rt.DisplayValue(v))
		},
	}
	opts := DefaultOptions()
	opts.Level = 2
	s, err := New(opts, hooks)
	if err != nil {
		t.Fatal(err)
	}
	r := runSource(t, s, "display(pair(1, pair(2, pair(3, null))));")
	if r.Status != cse.StatusFinished {
		t.Fatalf("status = %v, errors = %s", r.Status, s.FormatErrors())
	}
	if len(shown) != 1 || shown[0] != "[1, [2, [3, null]]]" {
		t.Errorf("displayed %q", shown)
	}
}

func TestCyclicDisplayTerminates(t *testing.T) {
	opts := DefaultOptions()
	opts.Level = 3
	s := newSession(t, opts)
	r := runSource(t, s, "const p = pair(1, null); set_tail(p, p); p;")
	if r.Status != cse.StatusFinished {
		t.Fatalf("status = %v, errors = %s", r.Status, s.FormatErrors())
	}
	if got := s.DisplayValue(r.Value); got != "[1, ...<circular>]" {
		t.Errorf("display = %q", got)
	}
}

func TestSuspendAndResume(t *testing.T) {
	opts := DefaultOptions()
	opts.StepLimit = 1000
	s := newSession(t, opts)
	r := runSource(t, s, "while (true) {}")
	if r.Status != cse.StatusSuspended {
		t.Fatalf("status = %v, want Suspended", r.Status)
	}
	if s.State() != StateSuspended {
		t.Errorf("state = %v, want Suspended", s.State())
	}
	if s.Steps() < 999 || s.Steps() > 1001 {
		t.Errorf("steps = %d, want about 1000", s.Steps())
	}
	r2, err := s.Resume()
	if err != nil {
		t.Fatal(err)
	}
	if r2.Status != cse.StatusSuspended {
		t.Errorf("resume status = %v, want Suspended again", r2.Status)
	}
}

func TestResumeRequiresSuspension(t *testing.T) {
	s := newSession(t, DefaultOptions())
	runSource(t, s, "1;")
	if _, err := s.Resume(); err == nil {
		t.Error("Resume on a finished session did not fail")
	}
}

func TestStepResumeEquivalence(t *testing.T) {
	src := "let i = 0; let s = 0; while (i < 50) { s = s + i; i = i + 1; } s;"

	plain := newSession(t, DefaultOptions())
	want := runSource(t, plain, src)

	opts := DefaultOptions()
	opts.StepLimit = 13
	chopped := newSession(t, opts)
	r := runSource(t, chopped, src)
	for r.Status == cse.StatusSuspended {
		var err error
		r, err = chopped.Resume()
		if err != nil {
			t.Fatal(err)
		}
	}
	if r.Status != cse.StatusFinished {
		t.Fatalf("status = %v, errors = %s", r.Status, chopped.FormatErrors())
	}
	if r.Value.Float64() != want.Value.Float64() {
		t.Errorf("chopped result %v != plain result %v", r.Value.Float64(), want.Value.Float64())
	}
}

func TestInterrupt(t *testing.T) {
	opts := DefaultOptions()
	opts.StepLimit = 500
	s := newSession(t, opts)
	r := runSource(t, s, "while (true) {}")
	if r.Status != cse.StatusSuspended {
		t.Fatalf("status = %v", r.Status)
	}
	s.Interrupt()
	r2, err := s.Resume()
	if err != nil {
		t.Fatal(err)
	}
	if r2.Status != cse.StatusError {
		t.Fatalf("status after interrupt = %v, want Error", r2.Status)
	}
	re, ok := r2.Errors[0].(*diag.RuntimeError)
	if !ok || re.Code != diag.Interrupted {
		t.Errorf("error = %v, want Interrupted", r2.Errors[0])
	}
}

func TestThrowInfiniteLoops(t *testing.T) {
	opts := DefaultOptions()
	opts.StepLimit = 1000
	opts.ThrowInfiniteLoops = true
	s := newSession(t, opts)
	r := runSource(t, s, "while (true) {}")
	if r.Status != cse.StatusError {
		t.Fatalf("status = %v, want Error", r.Status)
	}
	re, ok := r.Errors[0].(*diag.RuntimeError)
	if !ok || re.Code != diag.PotentialInfiniteLoop {
		t.Errorf("error = %v, want PotentialInfiniteLoop", r.Errors[0])
	}
}

func TestSyntaxErrorSurfaces(t *testing.T) {
	s := newSession(t, DefaultOptions())
	r := runSource(t, s, "const x = ;")
	if r.Status != cse.StatusError {
		t.Fatalf("status = %v, want Error", r.Status)
	}
	if r.Errors[0].Kind() != diag.KindSyntax {
		t.Errorf("kind = %v, want Syntax", r.Errors[0].Kind())
	}
}

func TestDeterminism(t *testing.T) {
	src := "const f = n => n === 0 ? 1 : n * f(n - 1); f(10);"
	a := newSession(t, DefaultOptions())
	b := newSession(t, DefaultOptions())
	ra := runSource(t, a, src)
	rb := runSource(t, b, src)
	if ra.Value.Float64() != rb.Value.Float64() {
		t.Error("identical programs produced different results")
	}
	if a.Steps() != b.Steps() {
		t.Errorf("step counts differ: %d vs %d", a.Steps(), b.Steps())
	}
}

func TestStreamsFromSource(t *testing.T) {
	opts := DefaultOptions()
	opts.Level = 3
	s := newSession(t, opts)
	r := runSource(t, s, "stream_to_list(stream(1, 2, 3));")
	if r.Status != cse.StatusFinished {
		t.Fatalf("status = %v, errors = %s", r.Status, s.FormatErrors())
	}
	if got := s.DisplayValue(r.Value); got != "[1, [2, [3, null]]]" {
		t.Errorf("result = %s", got)
	}

	r = runSource(t, s, "const s = pair(1, () => pair(2, () => null)); head(stream_tail(s));")
	if r.Status != cse.StatusFinished {
		t.Fatalf("status = %v, errors = %s", r.Status, s.FormatErrors())
	}
	if !r.Value.IsNumber() || r.Value.Float64() != 2 {
		t.Errorf("head(stream_tail(s)) = %s, want 2", s.DisplayValue(r.Value))
	}
}

func TestTransformerRuns(t *testing.T) {
	s := newSession(t, DefaultOptions())
	var ran bool
	s.RegisterTransformer("trace", func(p *ast.Program) *ast.Program {
		ran = true
		return p
	})
	runSource(t, s, "1;")
	if !ran {
		t.Error("registered transformer did not run")
	}
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

func TestSnapshotRoundTrip(t *testing.T) {
	s := newSession(t, DefaultOptions())
	runSource(t, s, "const x = 1; const y = x + 1; y;")
	data, err := s.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if snap.SessionID != s.ID {
		t.Errorf("session ID = %q, want %q", snap.SessionID, s.ID)
	}
	var foundX bool
	for _, env := range snap.Envs {
		if b, ok := env.Bindings["x"]; ok {
			foundX = true
			if b.Kind != "const" || !b.Declared || b.Value != "1" {
				t.Errorf("binding x = %+v", b)
			}
		}
	}
	if !foundX {
		t.Error("snapshot does not contain binding x")
	}
}

func TestSnapshotIsDeterministic(t *testing.T) {
	s := newSession(t, DefaultOptions())
	runSource(t, s, "const x = 1; x;")
	a, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Error("two snapshots of the same state differ")
	}
}

// ---------------------------------------------------------------------------
// Compile-run agreement between the CSE machine and the SVM
// ---------------------------------------------------------------------------

func TestCompileRunAgreement(t *testing.T) {
	cases := []string{
		"1 + 2 * 3;",
		"(1 + 2) * (3 + 4);",
		"\"foo\" + \"bar\";",
		"true && false;",
		"1 < 2 ? 10 : 20;",
		"const f = n => n === 0 ? 1 : n * f(n - 1); f(6);",
		"const f = (n, a) => n === 0 ? a : f(n - 1, n + a); f(1000, 0);",
		"let i = 0; let s = 0; while (i < 10) { s = s + i; i = i + 1; } s;",
		"const add = x => y => x + y; add(3)(4);",
		"math_abs(0 - 9);",
	}
	for _, src := range cases {
		prog, err := parse.Program(src, "agree.js")
		if err != nil {
			t.Fatalf("%s: parse failed: %v", src, err)
		}

		cseRT := cse.NewRuntime(cse.Hooks{})
		cseM := cse.NewMachine(cseRT)
		cseM.LoadLevel(3)
		cr := cseM.Run(prog)
		if cr.Status != cse.StatusFinished {
			t.Fatalf("%s: CSE failed: %v", src, cr.Diagnostics)
		}

		prims := svm.DefaultPrimitives(3)
		compiled, err := svm.Compile(prog, prims)
		if err != nil {
			t.Fatalf("%s: compile failed: %v", src, err)
		}
		svmRT := cse.NewRuntime(cse.Hooks{})
		sv, err := svm.NewMachine(svmRT, compiled, prims).Run()
		if err != nil {
			t.Fatalf("%s: SVM failed: %v", src, err)
		}

		got := svmRT.DisplayValue(sv)
		want := cseRT.DisplayValue(cr.Value)
		if got != want {
			t.Errorf("%s: SVM = %s, CSE = %s", src, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Compiled-program cache
// ---------------------------------------------------------------------------

func TestCompileSourceUsesStore(t *testing.T) {
	opts := DefaultOptions()
	opts.StorePath = filepath.Join(t.TempDir(), "cache.db")
	s := newSession(t, opts)
	defer s.Close()

	src := "const f = n => n + 1; f(41);"
	first, err := s.CompileSource(src, "cached.js")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	second, err := s.CompileSource(src, "cached.js")
	if err != nil {
		t.Fatalf("second compile failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("cached program differs from the compiled one")
	}

	prims := svm.DefaultPrimitives(s.Level)
	v, err := svm.NewMachine(cse.NewRuntime(cse.Hooks{}), second, prims).Run()
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if v.Float64() != 42 {
		t.Errorf("result = %v, want 42", v.Float64())
	}
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

func TestOptionsNormalise(t *testing.T) {
	o := Options{}
	if err := o.normalise(); err != nil {
		t.Fatal(err)
	}
	if o.Level != 1 || o.StepLimit != -1 || o.ExecutionMethod != ExecCSEMachine {
		t.Errorf("normalised options = %+v", o)
	}

	o = Options{ExecutionMethod: ExecNative}
	if err := o.normalise(); err != nil {
		t.Fatal(err)
	}
	if o.ExecutionMethod != ExecCSEMachine {
		t.Error("native did not map to the CSE machine")
	}

	o = Options{Level: 9}
	if err := o.normalise(); err == nil {
		t.Error("level 9 was accepted")
	}
}

func TestSessionRejectsDoubleRun(t *testing.T) {
	opts := DefaultOptions()
	opts.StepLimit = 100
	s := newSession(t, opts)
	r := runSource(t, s, "while (true) {}")
	if r.Status != cse.StatusSuspended {
		t.Fatal("expected suspension")
	}
	prog, err := parse.Program("1;", "again.js")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Run(prog); err == nil {
		t.Error("suspended session accepted a second Run")
	}
}
