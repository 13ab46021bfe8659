// Package cse implements the Control-Stash-Environment machine: the
// step-wise evaluator at the heart of the Source language runtime.
//
// This package contains:
//   - NaN-boxed value representation with a heap-ID payload scheme
//   - The lexical environment graph with binding kinds and frame heaps
//   - The explicit control and stash stacks
//   - The CSE instruction set and the step evaluator
//   - Builtin dispatch and the default library per language level
//   - Cycle-safe value display
//
// All pending work lives on the control stack; the evaluator never
// recurses through the host call stack, which is what makes suspension,
// resumption, interrupts, breakpoints, and proper tail calls reliable
// properties rather than best-effort ones.
package cse
