package monitoring

// Batch groups the rows produced by one ingest or tick.
type Batch struct {
	Pivots       []PivotRecord
	Events       []Event
	ProbeEvents  []ProbeEvent
	DelayPoints  []ProbeDelayPoint
	RSSI         []RSSIPoint
	Cloud2Events []Cloud2Event
	Drops        []DropEvent
	Snapshots    []Snapshot
}

// Empty reports whether the batch carries no rows.
func (b *Batch) Empty() bool {
	return len(b.Pivots) == 0 && len(b.Events) == 0 && len(b.ProbeEvents) == 0 &&
		len(b.DelayPoints) == 0 && len(b.RSSI) == 0 && len(b.Cloud2Events) == 0 &&
		len(b.Drops) == 0 && len(b.Snapshots) == 0
}
