// Package regulation defines the canonical regulation entity and the
// normalization rules that turn raw upstream records into it.
package regulation

import (
	"encoding/json"
	"fmt"
	"time"
)

// UpstreamDateLayout is the date format used by the catalogue API.
const UpstreamDateLayout = "02-01-2006"

// SnapshotDateLayout is the format used once normalized into the snapshot.
const SnapshotDateLayout = "2006-01-02"

// Topic is one catalogue topic attached to a regulation summary.
type Topic struct {
	UUID        json.Number `json:"uuid"`
	Description string      `json:"keterangan"`
}

// Summary is one regulation as listed by the catalogue endpoint.
type Summary struct {
	Permalink      string  `json:"permalink"`
	Subject        string  `json:"perihal"`
	EffectiveDate  string  `json:"tanggal_efektif"`
	DocumentStatus string  `json:"status_dokumen"`
	Topics         []Topic `json:"topik"`
}

// Ref is a cross-reference to another regulation by permalink.
type Ref struct {
	Permalink string `json:"permalink"`
}

// DetailMeta carries the free-text metadata block of a detail record.
type DetailMeta struct {
	Keywords string `json:"keywords"`
}

// Detail is the full per-regulation record fetched from the detail endpoint.
type Detail struct {
	Type        string     `json:"jenis_peraturan"`
	Number      string     `json:"nomor_peraturan"`
	BodyHTML    string     `json:"body_final"`
	NewerRefs   []Ref      `json:"peraturan_terbaru"`
	OlderRefs   []Ref      `json:"peraturan_sebelumnya"`
	RelatedRefs []Ref      `json:"peraturan_relevan"`
	Meta        DetailMeta `json:"meta"`
}

// Regulation is the canonical persisted entity: summary fields merged with
// the flattened detail and the derived plain-text body.
type Regulation struct {
	Permalink      string
	Subject        string
	EffectiveDate  time.Time
	DocumentStatus string
	// Topics is the flattened topic encoding: sorted topic UUIDs joined by a
	// single space. Set-equality collapses to string-equality.
	Topics      string
	Type        string
	Number      string
	BodyHTML    string
	BodyText    string
	NewerRefs   string
	OlderRefs   string
	RelatedRefs string
	Keywords    string
}

// ParseUpstreamDate parses a DD-MM-YYYY catalogue date.
func ParseUpstreamDate(s string) (time.Time, error) {
	t, err := time.Parse(UpstreamDateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse upstream date %q: %w", s, err)
	}
	return t, nil
}

// Normalize projects a raw summary onto the canonical entity, leaving detail
// fields empty. Detail fields are filled by Merge once the detail is fetched.
func Normalize(s Summary) (Regulation, error) {
	date, err := ParseUpstreamDate(s.EffectiveDate)
	if err != nil {
		return Regulation{}, err
	}
	return Regulation{
		Permalink:      s.Permalink,
		Subject:        s.Subject,
		EffectiveDate:  date,
		DocumentStatus: s.DocumentStatus,
		Topics:         FlattenTopics(s.Topics),
	}, nil
}

// Merge fills the detail-derived fields of r from d. The body is kept both as
// the normalized HTML source and as stripped plain text.
func Merge(r Regulation, d Detail) Regulation {
	body := NormalizeHTMLBody(d.BodyHTML)
	r.Type = d.Type
	r.Number = d.Number
	r.BodyHTML = body
	r.BodyText = NormalizeBody(StripTags(body))
	r.NewerRefs = FlattenRefs(d.NewerRefs)
	r.OlderRefs = FlattenRefs(d.OlderRefs)
	r.RelatedRefs = FlattenRefs(d.RelatedRefs)
	r.Keywords = d.Meta.Keywords
	return r
}
