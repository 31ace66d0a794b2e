package handlers

import (
	"encoding/json"
	"net/http"
)

func queryParam(name, description string, schema map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"name":        name,
		"in":          "query",
		"description": description,
		"required":    false,
		"schema":      schema,
	}
}

func pathParam(name, description string) map[string]interface{} {
	return map[string]interface{}{
		"name":        name,
		"in":          "path",
		"description": description,
		"required":    true,
		"schema":      map[string]string{"type": "string"},
	}
}

func pageParams() []map[string]interface{} {
	return []map[string]interface{}{
		queryParam("page", "Page number (default: 1)", map[string]interface{}{"type": "integer", "default": 1}),
		queryParam("limit", "Records per page (default: 100, max: 1000)", map[string]interface{}{"type": "integer", "default": 100}),
	}
}

func jsonResponse(description string, schema map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"description": description,
		"content": map[string]interface{}{
			"application/json": map[string]interface{}{"schema": schema},
		},
	}
}

func ref(name string) map[string]interface{} {
	return map[string]interface{}{"$ref": "#/components/schemas/" + name}
}

func pageOf(item string) map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"data":        map[string]interface{}{"type": "array", "items": ref(item)},
			"total":       map[string]string{"type": "integer"},
			"page":        map[string]string{"type": "integer"},
			"limit":       map[string]string{"type": "integer"},
			"total_pages": map[string]string{"type": "integer"},
		},
	}
}

// OpenAPISpec returns the OpenAPI 3.0 specification for the forecast API
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	errorResponse := func(description string) map[string]interface{} {
		return jsonResponse(description, ref("Error"))
	}

	forecastParams := append([]map[string]interface{}{
		queryParam("account", "Filter by account", map[string]interface{}{"type": "string"}),
		queryParam("run_id", "Filter by forecast run", map[string]interface{}{"type": "string"}),
		queryParam("year", "Filter by target year", map[string]interface{}{"type": "integer"}),
	}, pageParams()...)

	outcomeParams := append([]map[string]interface{}{
		pathParam("id", "Run ID"),
		queryParam("status", "Filter by outcome", map[string]interface{}{
			"type": "string",
			"enum": []string{"forecasted", "ineligible", "fit_failed"},
		}),
	}, pageParams()...)

	spec := map[string]interface{}{
		"openapi": "3.0.0",
		"info": map[string]interface{}{
			"title":       "Public Lighting Forecast API",
			"description": "Per-account six month consumption forecasts for the public lighting network",
			"version":     "1.0.0",
		},
		"servers": []map[string]string{
			{"url": "http://localhost:8080", "description": "Local development server"},
		},
		"paths": map[string]interface{}{
			"/api/forecasts": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":    "List forecast rows",
					"parameters": forecastParams,
					"responses": map[string]interface{}{
						"200": jsonResponse("Successful response", pageOf("Forecast")),
						"400": errorResponse("Invalid parameters"),
						"500": errorResponse("Internal server error"),
					},
				},
			},
			"/api/runs": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":    "List forecast runs, newest first",
					"parameters": pageParams(),
					"responses": map[string]interface{}{
						"200": jsonResponse("Successful response", pageOf("Run")),
						"500": errorResponse("Internal server error"),
					},
				},
			},
			"/api/runs/{id}": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":    "Get one forecast run",
					"parameters": []map[string]interface{}{pathParam("id", "Run ID")},
					"responses": map[string]interface{}{
						"200": jsonResponse("Successful response", ref("Run")),
						"404": errorResponse("Run not found"),
						"500": errorResponse("Internal server error"),
					},
				},
			},
			"/api/runs/{id}/outcomes": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":    "List the per-account outcomes of a run",
					"parameters": outcomeParams,
					"responses": map[string]interface{}{
						"200": jsonResponse("Successful response", pageOf("Outcome")),
						"400": errorResponse("Invalid parameters"),
						"404": errorResponse("Run not found"),
						"500": errorResponse("Internal server error"),
					},
				},
			},
			"/health": map[string]interface{}{
				"get": map[string]interface{}{
					"summary": "Health check",
					"responses": map[string]interface{}{
						"200": jsonResponse("Service is healthy", map[string]interface{}{"type": "object"}),
						"503": jsonResponse("Store unavailable", map[string]interface{}{"type": "object"}),
					},
				},
			},
		},
		"components": map[string]interface{}{
			"schemas": map[string]interface{}{
				"Forecast": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"id":            map[string]string{"type": "integer"},
						"run_id":        map[string]string{"type": "string"},
						"account":       map[string]string{"type": "string"},
						"year":          map[string]string{"type": "integer"},
						"month":         map[string]string{"type": "integer"},
						"month_name":    map[string]string{"type": "string"},
						"predicted_kwh": map[string]string{"type": "number"},
						"created_at":    map[string]string{"type": "string", "format": "date-time"},
					},
				},
				"Run": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"id":               map[string]string{"type": "string"},
						"started_at":       map[string]string{"type": "string", "format": "date-time"},
						"finished_at":      map[string]string{"type": "string", "format": "date-time"},
						"horizon":          map[string]string{"type": "integer"},
						"order_p":          map[string]string{"type": "integer"},
						"order_d":          map[string]string{"type": "integer"},
						"order_q":          map[string]string{"type": "integer"},
						"input_records":    map[string]string{"type": "integer"},
						"rejected_records": map[string]string{"type": "integer"},
						"accounts":         map[string]string{"type": "integer"},
						"forecasted":       map[string]string{"type": "integer"},
						"ineligible":       map[string]string{"type": "integer"},
						"fit_failed":       map[string]string{"type": "integer"},
						"records":          map[string]string{"type": "integer"},
					},
				},
				"Outcome": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"run_id":     map[string]string{"type": "string"},
						"account":    map[string]string{"type": "string"},
						"status":     map[string]string{"type": "string"},
						"points":     map[string]string{"type": "integer"},
						"last_month": map[string]string{"type": "string"},
						"error":      map[string]string{"type": "string"},
						"fit_ms":     map[string]string{"type": "integer"},
					},
				},
				"Error": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"error":   map[string]string{"type": "string"},
						"message": map[string]string{"type": "string"},
						"code":    map[string]string{"type": "integer"},
					},
				},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(spec)
}
