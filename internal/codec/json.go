// Package codec provides the reference JSON item codec. The sync engine only
// depends on the codec interface it declares itself; this implementation is
// what cmd/pimsync and the vdir adapter tests plug in.
package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/avandermeer/pimsync/internal/model"
)

// wireItem is the on-disk JSON shape. Kept separate from model.Item so wire
// field names stay stable even if the model grows.
type wireItem struct {
	UID        string     `json:"uid"`
	Name       string     `json:"name,omitempty"`
	Nickname   string     `json:"nickname,omitempty"`
	Emails     []string   `json:"emails,omitempty"`
	Phones     []string   `json:"phones,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	ModifiedAt *time.Time `json:"modified_at,omitempty"`
}

// JSON encodes and decodes items as JSON documents.
type JSON struct{}

// Encode serializes an item to its wire form.
func (JSON) Encode(item *model.Item) ([]byte, error) {
	if item.UID == "" {
		return nil, fmt.Errorf("encoding item: empty UID")
	}
	w := wireItem{
		UID:      item.UID,
		Name:     item.Name,
		Nickname: item.Nickname,
		Emails:   item.Emails,
		Phones:   item.Phones,
		Notes:    item.Notes,
	}
	if !item.ModifiedAt.IsZero() {
		ts := item.ModifiedAt.UTC()
		w.ModifiedAt = &ts
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encoding item %q: %w", item.UID, err)
	}
	return data, nil
}

// Decode parses wire content into a structured item.
func (JSON) Decode(data []byte) (*model.Item, error) {
	var w wireItem
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding item: %w", err)
	}
	if w.UID == "" {
		return nil, fmt.Errorf("decoding item: missing uid")
	}
	item := &model.Item{
		UID:      w.UID,
		Name:     w.Name,
		Nickname: w.Nickname,
		Emails:   w.Emails,
		Phones:   w.Phones,
		Notes:    w.Notes,
	}
	if w.ModifiedAt != nil {
		item.ModifiedAt = w.ModifiedAt.UTC()
	}
	return item, nil
}

// ExtractUID returns the stable UID embedded in wire content without a full
// decode of the rest of the document.
func (JSON) ExtractUID(data []byte) (string, error) {
	var probe struct {
		UID string `json:"uid"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", fmt.Errorf("extracting uid: %w", err)
	}
	if probe.UID == "" {
		return "", fmt.Errorf("extracting uid: missing uid")
	}
	return probe.UID, nil
}
