package pipeline

import "assetql/pkg/models"

// ViewWriter writes materialized entity views.
type ViewWriter interface {
	WriteViews(views []*models.View) error
	Close() error
}
