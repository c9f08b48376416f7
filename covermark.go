package covermark

// Report summarises one Engine run.
type Report struct {
	RunID       string          `json:"run_id"`
	Solution    string          `json:"solution"`
	DryRun      bool            `json:"dry_run"`
	Projects    []ProjectReport `json:"projects"`
	Marks       []MarkedClass   `json:"marks"`
	Diagnostics []string        `json:"diagnostics,omitempty"`
}

// ProjectReport holds the per-project counters of a run.
type ProjectReport struct {
	Name string `json:"name"`
	Path string `json:"path"`

	// Skipped is set when the project name does not match the filter. Its
	// documents are not read.
	Skipped bool `json:"skipped"`

	Documents int `json:"documents"`
	Unchanged int `json:"unchanged"` // skipped by the ledger
	Changed   int `json:"changed"`
	Written   int `json:"written"`
	Failed    int `json:"failed"`
}

// MarkedClass is one class that received (or, in a dry run, would receive)
// the exclusion attribute.
type MarkedClass struct {
	Project string `json:"project"`
	File    string `json:"file"`
	Class   string `json:"class"`
	Line    int    `json:"line"`
	Reason  string `json:"reason"`
}

// ChangedDocuments returns the number of documents changed across projects.
func (r *Report) ChangedDocuments() int {
	n := 0
	for _, p := range r.Projects {
		n += p.Changed
	}
	return n
}

// CheckedDocuments returns the number of documents read across projects.
func (r *Report) CheckedDocuments() int {
	n := 0
	for _, p := range r.Projects {
		n += p.Documents
	}
	return n
}
