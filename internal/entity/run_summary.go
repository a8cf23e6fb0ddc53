package entity

// RunSummary holds the per-run outcome counters reported at the end of a crawl.
type RunSummary struct {
	CacheHits       int `json:"cache_hits"`
	NewlyExists     int `json:"newly_exists"`
	NewlyAbsent     int `json:"newly_absent"`
	TransientFailed int `json:"transient_failed"`
	Malformed       int `json:"malformed"`
	Probes          int `json:"probes"`
	Retries         int `json:"retries"`
	Abandoned       int `json:"abandoned"`
}

// FailedRequests counts probes that did not produce a cacheable answer.
func (s RunSummary) FailedRequests() int {
	return s.TransientFailed + s.Malformed
}
