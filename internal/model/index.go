package model

// IndexRecommendation is a ranked suggestion from the index advisor.
// Recommendations are derived on demand and never persisted.
type IndexRecommendation struct {
	Table            string   `json:"table"`
	Columns          []string `json:"columns"`
	EstimatedBenefit float64  `json:"estimated_benefit"`
	Rationale        string   `json:"rationale"`
	DDL              string   `json:"ddl"`
}
