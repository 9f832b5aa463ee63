// Package abi marshals heterogeneous argument lists into call frames for the
// offload engine and decodes result words.
//
// # Types
//
// Wire types form a closed tag set:
//
//	Tag   Width  Register encoding
//	────────────────────────────────────────────
//	i8..i64  1-8   sign-extended to 64 bits
//	u8..u64  1-8   zero-extended to 64 bits
//	f32      4     IEEE-754 bits in the low word
//	f64      8     IEEE-754 bits
//	ptr      8     engine address (or stack offset)
//
// Types are declared once, either with tag values, C spellings parsed by
// ParseType ("int", "double *"), or WIT text parsed by ParseWIT.
//
// # Frames
//
// A Frame holds one register per argument plus an optional stack image.
// On-stack buffers are concatenated into the image, each aligned to
// StackAlign, and their registers carry stack-relative offsets (StackRel).
// The engine places the image in its own address space and rebases those
// registers with Reg.Value, so no host pointer ever crosses the boundary.
//
// Intent controls copying: IN buffers are copied into the image, OUT buffers
// are copied back from the post-call image by Frame.CopyBack, INOUT does both.
package abi
