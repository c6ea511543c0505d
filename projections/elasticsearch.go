package projections

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/rs/zerolog/log"

	"example.com/backstage/cqrs/domain"
)

// Index names, prefixed at runtime
const (
	EventsIndex      = "events"
	ProjectionsIndex = "projections"
)

// ElasticsearchConfig holds connection settings
type ElasticsearchConfig struct {
	URL      string
	Username string
	Password string
	Prefix   string
}

// NewElasticsearchClient creates a new Elasticsearch client and checks the
// connection
func NewElasticsearchClient(cfg ElasticsearchConfig) (*elasticsearch.Client, error) {
	elasticCfg := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
		},
	}

	client, err := elasticsearch.NewClient(elasticCfg)
	if err != nil {
		return nil, fmt.Errorf("error creating Elasticsearch client: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("error connecting to Elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("Elasticsearch returned error: %s", res.String())
	}

	log.Info().Msg("Successfully connected to Elasticsearch")
	return client, nil
}

// ElasticsearchIndexer mirrors published events and the projections they
// touch into Elasticsearch for search and dashboards.
type ElasticsearchIndexer struct {
	client  *elasticsearch.Client
	prefix  string
	manager *Manager
	refresh string
}

// NewElasticsearchIndexer creates an indexer. manager may be nil to index
// events only.
func NewElasticsearchIndexer(client *elasticsearch.Client, prefix string, manager *Manager) *ElasticsearchIndexer {
	return &ElasticsearchIndexer{
		client:  client,
		prefix:  prefix,
		manager: manager,
		refresh: "false",
	}
}

// FormatIndex adds the prefix to the index name
func (x *ElasticsearchIndexer) FormatIndex(indexName string) string {
	if x.prefix == "" {
		return indexName
	}
	return x.prefix + "-" + indexName
}

// EnsureIndices creates missing indices
func (x *ElasticsearchIndexer) EnsureIndices(ctx context.Context) error {
	for _, index := range []string{EventsIndex, ProjectionsIndex} {
		formattedIndex := x.FormatIndex(index)

		exists, err := x.indexExists(ctx, formattedIndex)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		log.Info().Msgf("Creating index %s", formattedIndex)
		if err := x.createIndex(ctx, formattedIndex); err != nil {
			return err
		}
	}
	return nil
}

// Handle indexes an event and the current state of every projection that
// reacts to it. Subscribe it after the projection manager.
func (x *ElasticsearchIndexer) Handle(ctx context.Context, event domain.Event) error {
	if err := x.index(ctx, x.FormatIndex(EventsIndex), event.ID, event); err != nil {
		return err
	}
	if x.manager == nil {
		return nil
	}

	for _, name := range x.manager.Interested(event.Type) {
		state, ok := x.manager.State(name)
		if !ok {
			continue
		}
		position, _ := x.manager.Position(name)
		doc := projectionDocument{
			Name:      name,
			State:     state,
			Position:  position,
			UpdatedAt: event.OccurredAt,
		}
		if err := x.index(ctx, x.FormatIndex(ProjectionsIndex), name, doc); err != nil {
			return err
		}
	}
	return nil
}

type projectionDocument struct {
	Name      string       `json:"name"`
	State     domain.State `json:"state"`
	Position  int          `json:"position"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func (x *ElasticsearchIndexer) index(ctx context.Context, index, id string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document for %s: %w", index, err)
	}

	res, err := x.client.Index(
		index,
		bytes.NewReader(body),
		x.client.Index.WithDocumentID(id),
		x.client.Index.WithRefresh(x.refresh),
		x.client.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to index document in %s: %w", index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("failed to index document in %s: %s", index, res.String())
	}
	return nil
}

func (x *ElasticsearchIndexer) indexExists(ctx context.Context, index string) (bool, error) {
	res, err := x.client.Indices.Exists([]string{index}, x.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("error checking if index %s exists: %w", index, err)
	}
	defer res.Body.Close()

	return res.StatusCode == http.StatusOK, nil
}

func (x *ElasticsearchIndexer) createIndex(ctx context.Context, index string) error {
	res, err := x.client.Indices.Create(index, x.client.Indices.Create.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error creating index %s: %w", index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("error creating index %s: %s", index, res.String())
	}
	return nil
}
