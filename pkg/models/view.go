package models

import "go.mongodb.org/mongo-driver/bson"

// View is the denormalized shape of an entity exposed to readers. It is never stored.
type View struct {
	InternalAxonID string              `json:"internal_axon_id"`
	SpecificData   []bson.M            `json:"specific_data"`
	AdaptersData   map[string][]bson.M `json:"adapters_data"`
	AdaptersMeta   map[string][]bson.M `json:"adapters_meta"`
	GenericData    []bson.M            `json:"generic_data"`
	Labels         []string            `json:"labels"`
	Adapters       []string            `json:"adapters"`
	Extra          bson.M              `json:"extra,omitempty"`
}

// ConnectionRef identifies one adapter connection carrying a connection label.
type ConnectionRef struct {
	ClientID         string `json:"client_id" yaml:"client_id"`
	PluginUniqueName string `json:"plugin_unique_name" yaml:"plugin_unique_name"`
}
