// Package transcoder wraps the ffmpeg and ffprobe binaries: metadata
// extraction, thumbnail capture and single-quality HLS encodes.
//
// An Adapter tracks the subprocesses it starts so that a cancelled job can
// kill all of them at once. Create one Adapter per job. Hardware encoder
// detection is machine-wide and is cached for the life of the process.
package transcoder
