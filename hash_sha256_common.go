package main

// sha256Sum is the one-shot SHA-256 entry point, bound at init to the SIMD
// implementation unless built with the noavx tag.
var sha256Sum func([]byte) [32]byte
