package bridgedto

// Group is one entry from GET /v1/groups/{number}.
type Group struct {
	ID         string `json:"id"`
	InternalID string `json:"internal_id"`
	Name       string `json:"name"`
}

// About is the GET /v1/about payload, used as a bridge health probe.
type About struct {
	Versions []string `json:"versions"`
	Build    int      `json:"build"`
	Mode     string   `json:"mode"`
}
