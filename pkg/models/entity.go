package models

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// Tag types stored on an entity.
const (
	TagTypeLabel       = "label"
	TagTypeAdapterData = "adapterdata"
	TagTypeData        = "data"
)

// Entity is the stored, correlated record of one device or user.
type Entity struct {
	InternalAxonID string          `bson:"internal_axon_id" json:"internal_axon_id"`
	Adapters       []AdapterRecord `bson:"adapters" json:"adapters"`
	Tags           []Tag           `bson:"tags" json:"tags"`
}

// AdapterRecord is the data one adapter connection reported for an entity.
type AdapterRecord struct {
	PluginName       string `bson:"plugin_name" json:"plugin_name"`
	PluginUniqueName string `bson:"plugin_unique_name" json:"plugin_unique_name"`
	ClientUsed       string `bson:"client_used,omitempty" json:"client_used,omitempty"`
	PendingDelete    bool   `bson:"pending_delete,omitempty" json:"pending_delete,omitempty"`
	Data             bson.M `bson:"data" json:"data"`
}

// Tag is a label, a plugin-contributed data bag or a generic data annotation.
type Tag struct {
	Type               string      `bson:"type" json:"type"`
	Name               string      `bson:"name" json:"name"`
	PluginName         string      `bson:"plugin_name,omitempty" json:"plugin_name,omitempty"`
	PluginUniqueName   string      `bson:"plugin_unique_name,omitempty" json:"plugin_unique_name,omitempty"`
	AssociatedAdapters [][]string  `bson:"associated_adapters,omitempty" json:"associated_adapters,omitempty"`
	ClientUsed         string      `bson:"client_used,omitempty" json:"client_used,omitempty"`
	LabelValue         string      `bson:"label_value,omitempty" json:"label_value,omitempty"`
	Data               interface{} `bson:"data" json:"data"`
}

// NewLabel returns an active label tag. The stored label_value mirrors the name.
func NewLabel(name string) Tag {
	return Tag{Type: TagTypeLabel, Name: name, LabelValue: name, Data: true}
}

// Document converts the entity into the map form stored in the entities collection.
func (e Entity) Document() (bson.M, error) {
	raw, err := bson.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal entity %s: %w", e.InternalAxonID, err)
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal entity %s: %w", e.InternalAxonID, err)
	}
	return doc, nil
}
