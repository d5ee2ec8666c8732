package handlers

import (
	"encoding/json"
	"net/http"

	"weather-ingest/internal/models"
)

type object = map[string]interface{}

func queryParam(name, description string, schema object) object {
	return object{
		"name":        name,
		"in":          "query",
		"description": description,
		"required":    false,
		"schema":      schema,
	}
}

func paginationParams() []object {
	return []object{
		queryParam("page", "Page number, values below 1 are treated as 1",
			object{"type": "integer", "default": models.DefaultPage}),
		queryParam("per_page", "Records per page",
			object{"type": "integer", "default": models.DefaultPerPage, "maximum": models.MaxPerPage}),
	}
}

// pageResponse wraps an item schema in the paginated envelope.
func pageResponse(item object) object {
	return object{
		"200": object{
			"description": "One page of results",
			"content": object{
				"application/json": object{
					"schema": object{
						"type": "object",
						"properties": object{
							"total":    object{"type": "integer"},
							"page":     object{"type": "integer"},
							"per_page": object{"type": "integer"},
							"data":     object{"type": "array", "items": item},
						},
					},
				},
			},
		},
		"400": object{"description": "Invalid filter value"},
		"500": object{"description": "Database error"},
	}
}

var (
	nullableNumber = object{"type": "number", "nullable": true}

	observationSchema = object{
		"type": "object",
		"properties": object{
			"id":            object{"type": "integer"},
			"station_id":    object{"type": "string"},
			"date":          object{"type": "string", "format": "date"},
			"max_temp":      nullableNumber,
			"min_temp":      nullableNumber,
			"precipitation": nullableNumber,
		},
	}

	yearlyStatSchema = object{
		"type": "object",
		"properties": object{
			"id":                  object{"type": "integer"},
			"station_id":          object{"type": "string"},
			"year":                object{"type": "integer"},
			"avg_max_temp":        nullableNumber,
			"avg_min_temp":        nullableNumber,
			"total_precipitation": object{"type": "number"},
			"observation_count":   object{"type": "integer"},
		},
	}
)

func observationsOperation() object {
	params := append([]object{
		queryParam("station_id", "Filter by weather station ID", object{"type": "string"}),
		queryParam("date", "Filter by observation date (YYYY-MM-DD)", object{"type": "string", "format": "date"}),
	}, paginationParams()...)
	return object{
		"get": object{
			"summary":     "List weather observations",
			"description": "Daily observations ordered by station and date. Temperatures in °C, precipitation in mm.",
			"parameters":  params,
			"responses":   pageResponse(observationSchema),
		},
	}
}

func statisticsOperation() object {
	params := append([]object{
		queryParam("station_id", "Filter by weather station ID", object{"type": "string"}),
		queryParam("year", "Filter by calendar year", object{"type": "integer"}),
	}, paginationParams()...)
	return object{
		"get": object{
			"summary":     "List yearly station statistics",
			"description": "Per-station yearly temperature means in °C and precipitation totals in mm, ordered by station and year.",
			"parameters":  params,
			"responses":   pageResponse(yearlyStatSchema),
		},
	}
}

// OpenAPISpec returns the OpenAPI 3.0 document for the read API.
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	spec := object{
		"openapi": "3.0.0",
		"info": object{
			"title":       "Weather Ingest API",
			"description": "Read access to ingested daily weather observations and yearly station statistics",
			"version":     "1.0.0",
		},
		"servers": []map[string]string{
			{"url": "http://localhost:8080", "description": "Local development server"},
		},
		"paths": object{
			"/weather":           observationsOperation(),
			"/weather/stats":     statisticsOperation(),
			"/api/weather":       observationsOperation(),
			"/api/weather/stats": statisticsOperation(),
			"/health": object{
				"get": object{
					"summary": "Health check",
					"responses": object{
						"200": object{"description": "Database reachable"},
						"503": object{"description": "Database unreachable"},
					},
				},
			},
			"/metrics": object{
				"get": object{
					"summary": "Prometheus metrics",
					"responses": object{
						"200": object{
							"description": "Prometheus metrics in text format",
							"content": object{
								"text/plain": object{"schema": object{"type": "string"}},
							},
						},
					},
				},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(spec)
}
