// Package remux turns upstream stream chunks into fragmented MP4.
//
// Each upstream chunk is a small self-contained MP4 file prefixed with a
// stream-info header. Parse validates the header and extracts per-track
// samples from the box structure. A Remuxer, created once per session
// generation, synthesises a single initialization segment from the first
// parsed chunk and turns every chunk into an independent movie fragment
// whose decode time is derived from its sequence number.
package remux
