package elasticsearch

// DefaultIndexPrefix is prepended to the kind to form the index name.
const DefaultIndexPrefix = "musicbrainz-"

// buildIndexMapping returns the mapping shared by the entity indices.
func buildIndexMapping() string {
	return `{
  "settings": {
    "number_of_shards": 1,
    "number_of_replicas": 0,
    "analysis": {
      "analyzer": {
        "name_analyzer": {
          "type": "custom",
          "tokenizer": "standard",
          "filter": ["lowercase", "asciifolding"]
        }
      }
    }
  },
  "mappings": {
    "properties": {
      "id":            { "type": "integer" },
      "mbid":          { "type": "keyword" },
      "name":          { "type": "text", "analyzer": "name_analyzer", "fields": { "raw": { "type": "keyword" } } },
      "artist_credit": { "type": "text", "analyzer": "name_analyzer" }
    }
  }
}`
}
