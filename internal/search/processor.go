package search

import (
	"github.com/hyperjump/kioku/internal/classify"
	"github.com/hyperjump/kioku/internal/models"
)

// ProcessQuery validates and applies defaults to the search query. When no topic
// focus is given it is taken from the query text's primary topic, if any.
func ProcessQuery(query *models.SearchQuery, topics *classify.TopicDetector) error {
	if err := query.Validate(); err != nil {
		return err
	}
	if query.TopicFocus != "" || topics == nil {
		return nil
	}
	detected, err := topics.Detect(query.Query)
	if err != nil {
		// Malformed text carries no topic; the search itself can still run.
		return nil
	}
	query.TopicFocus = topics.Primary(detected)
	return nil
}
