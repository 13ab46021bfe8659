package session

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/sling/cse"
)

// ---------------------------------------------------------------------------
// Snapshots: canonical CBOR export of the environment tree
//
// The snapshot is the data source a visualiser consumes: every frame, its
// bindings, and the heap values attributed to it. Encoding is canonical
// CBOR so identical machine states produce identical bytes.
// ---------------------------------------------------------------------------

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("session: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// BindingSnapshot is one rendered binding.
type BindingSnapshot struct {
	Kind     string `cbor:"kind"`
	Declared bool   `cbor:"declared"`
	Value    string `cbor:"value"`
}

// EnvSnapshot is one rendered frame. Parent is 0 for the global frame
// (frame IDs start at 1).
type EnvSnapshot struct {
	ID       uint32                     `cbor:"id"`
	Name     string                     `cbor:"name"`
	Parent   uint32                     `cbor:"parent"`
	Bindings map[string]BindingSnapshot `cbor:"bindings"`
	Heap     []string                   `cbor:"heap"`
}

// Snapshot is the full session state export.
type Snapshot struct {
	SessionID  string        `cbor:"session"`
	Steps      int64         `cbor:"steps"`
	CurrentEnv uint32        `cbor:"current"`
	Envs       []EnvSnapshot `cbor:"envs"`
}

// Snapshot renders the current environment tree to canonical CBOR.
func (s *Session) Snapshot() ([]byte, error) {
	rt := s.machine.Runtime()
	snap := Snapshot{
		SessionID:  s.ID,
		Steps:      s.machine.Steps(),
		CurrentEnv: s.machine.CurrentEnv().ID,
	}
	for _, env := range s.machine.Environments() {
		es := EnvSnapshot{
			ID:       env.ID,
			Name:     env.Name,
			Bindings: make(map[string]BindingSnapshot),
		}
		if env.Parent != nil {
			es.Parent = env.Parent.ID
		}
		for _, name := range env.Names() {
			b := env.Binding(name)
			es.Bindings[name] = BindingSnapshot{
				Kind:     b.Kind.String(),
				Declared: b.Declared,
				Value:    rt.DisplayValue(b.Value),
			}
		}
		for _, v := range env.Owned() {
			es.Heap = append(es.Heap, rt.DisplayValue(v))
		}
		snap.Envs = append(snap.Envs, es)
	}
	return cborEncMode.Marshal(&snap)
}

// DecodeSnapshot parses a snapshot document.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("session: unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// DisplayValue formats a value with the session's runtime, for hosts that
// render results themselves.
func (s *Session) DisplayValue(v cse.Value) string {
	return s.machine.Runtime().DisplayValue(v)
}
