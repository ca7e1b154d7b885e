// Package turbostream serialises rich, possibly still computing, value graphs into a stream of text frames,
// and decodes them on the other end as the frames arrive.
//
// Features include:
//
// Rich values; beyond what JSON carries, streams hold undefined, NaN, infinities, negative zero, big integers, dates,
// regular expressions, symbols, URLs, errors with their subtype, sparse arrays, base-less records, Maps and Sets.
//
// Deduplication; every value is written once. Strings, numbers, booleans, symbols and big integers are deduplicated by value,
// containers by identity, and every later occurrence, in any frame of the stream, is a backreference.
//
// Deferred values; anything implementing Deferred is written as a placeholder and streamed later, in the order the values settle.
// The decoder hands out a *Promise for each one. Cancelling the encoder's context rejects everything still pending.
//
// Plugins; Config.Plugins and Config.DecodePlugins carry values the built-in kinds cannot,
// and Config.PostPlugins substitute values that would otherwise fail the encode.
//
// The sub-package frameio provides the framing layer, and the packages under plugins provide plugins for CBOR and protobuf values.
package turbostream
