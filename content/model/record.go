package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
)

var (
	ErrNoSection = errors.New("record has no section")
	ErrNoTitle   = errors.New("record has no title")
	ErrNoContent = errors.New("record has no content")
)

// Record is one named section of content as served by the content API.
//
// A Record is never modified after it has been handed to a cache. Any change
// to a section is represented by a new Record that replaces the old one.
type Record struct {
	// Section is the stable unique key of the record.
	Section string
	// ID is the opaque identity assigned by the backing store.
	ID string
	// Title is the human readable section title.
	Title string
	// Content is the opaque payload. It may be plain text, HTML, or a
	// serialized JSON document; it is not interpreted here.
	Content string
	// Image is an optional image reference.
	Image string
	// UpdatedAt is the time the backing store last changed the record. It is
	// the zero time if the API did not report one.
	UpdatedAt time.Time
}

// wireRecord is the loosely typed form of a record as it appears on the wire.
type wireRecord struct {
	ID        json.RawMessage `json:"id"`
	MongoID   json.RawMessage `json:"_id"`
	Section   string          `json:"section"`
	Title     string          `json:"title"`
	Content   json.RawMessage `json:"content"`
	Image     string          `json:"image"`
	UpdatedAt json.RawMessage `json:"updatedAt"`
}

// Validate returns an error if the record is missing any required field.
func (r *Record) Validate() error {
	if r == nil {
		return errors.New("nil record")
	}
	if r.Section == "" {
		return ErrNoSection
	}
	if r.Title == "" {
		return ErrNoTitle
	}
	return nil
}

// Same reports whether a and b describe the same version of a section. It only
// compares identity and update time, which is enough to decide whether a
// fetched record should replace a cached one.
//
// Two distinct records that both have no ID and no update time carry no
// version information, so they are never the same.
func Same(a, b *Record) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a == b {
		return true
	}
	if unversioned(a) && unversioned(b) {
		return false
	}
	return a.ID == b.ID && a.UpdatedAt.Equal(b.UpdatedAt)
}

func unversioned(r *Record) bool {
	return r.ID == "" && r.UpdatedAt.IsZero()
}

// MarshalJSON encodes the record in the same shape the content API uses.
func (r Record) MarshalJSON() ([]byte, error) {
	out := struct {
		ID        string `json:"id,omitempty"`
		Section   string `json:"section"`
		Title     string `json:"title"`
		Content   string `json:"content"`
		Image     string `json:"image,omitempty"`
		UpdatedAt string `json:"updatedAt,omitempty"`
	}{
		ID:      r.ID,
		Section: r.Section,
		Title:   r.Title,
		Content: r.Content,
		Image:   r.Image,
	}
	if !r.UpdatedAt.IsZero() {
		out.UpdatedAt = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(&out)
}

// UnmarshalJSON decodes a record without validating it. Use UnmarshalRecord
// to get a validated record.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	content, err := decodeContent(w.Content)
	if err != nil {
		return err
	}
	id := decodeID(w.ID)
	if id == "" {
		id = decodeID(w.MongoID)
	}
	*r = Record{
		Section:   w.Section,
		ID:        id,
		Title:     w.Title,
		Content:   content,
		Image:     w.Image,
		UpdatedAt: decodeTime(w.UpdatedAt),
	}
	return nil
}

// UnmarshalRecord decodes and validates a single record.
func UnmarshalRecord(data []byte) (*Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	if isNull(w.Content) {
		return nil, ErrNoContent
	}
	rec := new(Record)
	if err := rec.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// UnmarshalRecords decodes a JSON array of records. Entries that are not well
// formed are skipped and described by the returned skipped error, which is nil
// when every entry was kept. A non-nil err means the data was not an array.
func UnmarshalRecords(data []byte) (records []*Record, skipped error, err error) {
	var raws []json.RawMessage
	if err = json.Unmarshal(data, &raws); err != nil {
		return nil, nil, fmt.Errorf("content listing is not an array: %w", err)
	}
	var errs *multierror.Error
	records = make([]*Record, 0, len(raws))
	for i, raw := range raws {
		rec, err := UnmarshalRecord(raw)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		records = append(records, rec)
	}
	return records, errs.ErrorOrNil(), nil
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// decodeContent returns a JSON string unquoted and any other JSON value as
// its literal text.
func decodeContent(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	raw = bytes.TrimSpace(raw)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func decodeID(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	raw = bytes.TrimSpace(raw)
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// decodeTime accepts RFC 3339 strings and numeric milliseconds since the Unix
// epoch. Anything else decodes to the zero time.
func decodeTime(raw json.RawMessage) time.Time {
	if isNull(raw) {
		return time.Time{}
	}
	raw = bytes.TrimSpace(raw)
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}
		}
		return t
	}
	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms)).UTC()
}
