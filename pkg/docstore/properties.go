package docstore

import (
	"encoding/json"
	"time"

	"github.com/Mindburn-Labs/syncbridge/pkg/contracts"
)

// encodeProperties renders PropertyValues into the store's tagged-object
// wire encoding.
func encodeProperties(props map[string]contracts.PropertyValue) map[string]any {
	out := make(map[string]any, len(props))
	for name, pv := range props {
		out[name] = encodeProperty(pv)
	}
	return out
}

func encodeProperty(pv contracts.PropertyValue) map[string]any {
	switch pv.Kind {
	case contracts.PropertyTitle:
		return map[string]any{"title": richText(pv.Text)}
	case contracts.PropertyRichText:
		return map[string]any{"rich_text": richText(pv.Text)}
	case contracts.PropertySelect:
		if pv.Select == "" {
			return map[string]any{"select": nil}
		}
		return map[string]any{"select": map[string]string{"name": pv.Select}}
	case contracts.PropertyStatus:
		return map[string]any{"status": map[string]string{"name": pv.Select}}
	case contracts.PropertyMultiSelect:
		opts := make([]map[string]string, 0, len(pv.Multi))
		for _, name := range pv.Multi {
			opts = append(opts, map[string]string{"name": name})
		}
		return map[string]any{"multi_select": opts}
	case contracts.PropertyNumber:
		if pv.Number == nil {
			return map[string]any{"number": nil}
		}
		return map[string]any{"number": *pv.Number}
	case contracts.PropertyCheckbox:
		return map[string]any{"checkbox": pv.Checkbox}
	case contracts.PropertyDate:
		if pv.Date == nil {
			return map[string]any{"date": nil}
		}
		return map[string]any{"date": map[string]string{"start": pv.Date.Format(time.RFC3339)}}
	case contracts.PropertyPeople:
		people := make([]map[string]string, 0, len(pv.People))
		for _, name := range pv.People {
			people = append(people, map[string]string{"name": name})
		}
		return map[string]any{"people": people}
	case contracts.PropertyURL:
		if pv.URL == "" {
			return map[string]any{"url": nil}
		}
		return map[string]any{"url": pv.URL}
	}
	return map[string]any{}
}

func richText(text string) []map[string]any {
	if text == "" {
		return []map[string]any{}
	}
	return []map[string]any{
		{"type": "text", "text": map[string]string{"content": text}},
	}
}

// rawProperty is the decode side of the tagged-object encoding. The type
// field names the variant; only the matching value field is populated.
type rawProperty struct {
	Type     string         `json:"type"`
	Title    []richTextSpan `json:"title"`
	RichText []richTextSpan `json:"rich_text"`
	Select   *namedOption   `json:"select"`
	Status   *namedOption   `json:"status"`
	Multi    []namedOption  `json:"multi_select"`
	Number   *float64       `json:"number"`
	Checkbox bool           `json:"checkbox"`
	Date     *dateRef       `json:"date"`
	People   []personRef    `json:"people"`
	URL      string         `json:"url"`
}

type dateRef struct {
	Start string `json:"start"`
}

type richTextSpan struct {
	PlainText string `json:"plain_text"`
	Text      struct {
		Content string `json:"content"`
	} `json:"text"`
}

func (s richTextSpan) content() string {
	if s.PlainText != "" {
		return s.PlainText
	}
	return s.Text.Content
}

type namedOption struct {
	Name string `json:"name"`
}

type personRef struct {
	Name string `json:"name"`
}

func (r rawProperty) toValue() (contracts.PropertyValue, bool) {
	switch r.Type {
	case "title":
		return contracts.PropertyValue{Kind: contracts.PropertyTitle, Text: joinSpans(r.Title)}, true
	case "rich_text":
		return contracts.PropertyValue{Kind: contracts.PropertyRichText, Text: joinSpans(r.RichText)}, true
	case "select":
		pv := contracts.PropertyValue{Kind: contracts.PropertySelect}
		if r.Select != nil {
			pv.Select = r.Select.Name
		}
		return pv, true
	case "status":
		pv := contracts.PropertyValue{Kind: contracts.PropertyStatus}
		if r.Status != nil {
			pv.Select = r.Status.Name
		}
		return pv, true
	case "multi_select":
		pv := contracts.PropertyValue{Kind: contracts.PropertyMultiSelect}
		for _, o := range r.Multi {
			pv.Multi = append(pv.Multi, o.Name)
		}
		return pv, true
	case "number":
		return contracts.PropertyValue{Kind: contracts.PropertyNumber, Number: r.Number}, true
	case "checkbox":
		return contracts.PropertyValue{Kind: contracts.PropertyCheckbox, Checkbox: r.Checkbox}, true
	case "date":
		pv := contracts.PropertyValue{Kind: contracts.PropertyDate}
		if r.Date != nil {
			if at, err := time.Parse(time.RFC3339, r.Date.Start); err == nil {
				pv.Date = &at
			}
		}
		return pv, true
	case "people":
		pv := contracts.PropertyValue{Kind: contracts.PropertyPeople}
		for _, p := range r.People {
			pv.People = append(pv.People, p.Name)
		}
		return pv, true
	case "url":
		return contracts.PropertyValue{Kind: contracts.PropertyURL, URL: r.URL}, true
	}
	return contracts.PropertyValue{}, false
}

func joinSpans(spans []richTextSpan) string {
	var out string
	for _, s := range spans {
		out += s.content()
	}
	return out
}

// pagePayload mirrors the wire shape of a page object.
type pagePayload struct {
	ID     string `json:"id"`
	Parent struct {
		DatabaseID string `json:"database_id"`
	} `json:"parent"`
	Properties   map[string]json.RawMessage `json:"properties"`
	LastEditedAt time.Time                  `json:"last_edited_time"`
	URL          string                     `json:"url"`
}

func (p pagePayload) toRecord() contracts.PageRecord {
	record := contracts.PageRecord{
		PageID:       p.ID,
		DatabaseID:   p.Parent.DatabaseID,
		Properties:   make(map[string]contracts.PropertyValue, len(p.Properties)),
		LastEditedAt: p.LastEditedAt,
		URL:          p.URL,
	}
	for name, raw := range p.Properties {
		var rp rawProperty
		if err := json.Unmarshal(raw, &rp); err != nil {
			continue
		}
		if pv, ok := rp.toValue(); ok {
			record.Properties[name] = pv
		}
	}
	return record
}
