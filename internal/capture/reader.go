package capture

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Filter specifies criteria for selecting records. Empty/nil fields match
// all records for that criterion.
type Filter struct {
	// Session filters by exact session ID.
	Session string

	// Direction filters by frame direction.
	Direction *Direction

	// Types keeps only frames of these type codes.
	Types []byte

	// TimeStart keeps records at or after this time.
	TimeStart *time.Time

	// TimeEnd keeps records before this time.
	TimeEnd *time.Time
}

func (f *Filter) matches(r Record) bool {
	if f.Session != "" && r.Session != f.Session {
		return false
	}
	if f.Direction != nil && r.Direction != *f.Direction {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == r.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.TimeStart != nil && r.Timestamp.Before(*f.TimeStart) {
		return false
	}
	if f.TimeEnd != nil && !r.Timestamp.Before(*f.TimeEnd) {
		return false
	}
	return true
}

// Reader streams records from a capture.
type Reader struct {
	closer  io.Closer
	decoder *cbor.Decoder
	filter  Filter
}

// NewReader creates a Reader over r yielding records that match filter.
func NewReader(r io.Reader, filter Filter) *Reader {
	return &Reader{decoder: NewDecoder(r), filter: filter}
}

// Open creates a Reader over the capture file at path.
func Open(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	rd := NewReader(f, filter)
	rd.closer = f
	return rd, nil
}

// Next returns the next record that matches the filter.
// Returns io.EOF when no more records are available.
func (r *Reader) Next() (Record, error) {
	for {
		var rec Record
		if err := r.decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return Record{}, io.EOF
			}
			return Record{}, err
		}
		if r.filter.matches(rec) {
			return rec, nil
		}
	}
}

// All reads every remaining matching record.
func (r *Reader) All() ([]Record, error) {
	var out []Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// Close closes the underlying file, if the Reader opened one.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
