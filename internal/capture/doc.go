// Package capture records DPS-150 wire traffic to CBOR files and reads it
// back.
//
// A Recorder's Hook plugs into the dispatcher so every frame written or read
// is appended as a Record. Files use the .dpscap extension and hold a plain
// sequence of CBOR records, so a capture interrupted mid-write stays readable
// up to the last complete record.
package capture
