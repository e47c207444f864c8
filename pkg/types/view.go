package types

// View is the consolidated read-only state handed to consumers. Every field is
// derived from the current snapshot, threshold and live channel state.
type View struct {
	// Snapshot is nil until the first successful fetch.
	Snapshot         *Snapshot                  `json:"snapshot"`
	CorrelatedDaily  []Correlated[EnergyBucket] `json:"correlatedDaily"`
	CorrelatedHourly []Correlated[PowerBucket]  `json:"correlatedHourly"`
	Aggregates       Aggregates                 `json:"aggregates"`
	PeakTable        Table[PeakEvent]           `json:"peakTable"`
	AnomalyTable     Table[AnomalyEvent]        `json:"anomalyTable"`

	ConnectionState   ConnectionState `json:"connectionState"`
	Connected         bool            `json:"connected"`
	LatestLiveReading *LiveReading    `json:"latestLiveReading"`
	LiveHistory       []LiveReading   `json:"liveHistory"`

	Threshold float64 `json:"threshold"`
	// PeaksStale is set while the snapshot was fetched with a threshold other
	// than Threshold. Its peak loads, PeakTable, PeakPower and PeakCount must
	// not be shown as current until the refetch lands.
	PeaksStale bool          `json:"peaksStale"`
	Error      *FetchFailure `json:"error,omitempty"`
}
