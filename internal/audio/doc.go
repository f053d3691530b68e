// Package audio implements the speech signal path: PCM conversion, a gain
// stage and dynamics compressor modelled on the Web Audio nodes of the same
// names, resampling to the publish rate, a frequency analyser and WAV output.
//
// All processing is mono float64 in [-1, 1]. A Graph applies its processors
// to a block in place and fans the result out to its sinks; a Pipeline feeds
// a Graph with fixed-size frames at the publish rate, optionally paced in
// real time.
package audio
